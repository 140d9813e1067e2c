package instagram

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
)

type fakeRunner struct {
	res    docker.ExecResult
	err    error
	script string
	env    []string
}

func (f *fakeRunner) RunScript(_ context.Context, _ string, src string, env []string) (docker.ExecResult, error) {
	f.script = src
	f.env = env
	return f.res, f.err
}

func newTestService(t *testing.T, r *fakeRunner) *Service {
	t.Helper()
	gen, err := script.New()
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewService(r, gen, log)
}

func TestLoginParsesProfile(t *testing.T) {
	r := &fakeRunner{res: docker.ExecResult{
		Stdout: "some warning\n" + `{"settings": {"uuids": {"phone_id": "x"}}, "username": "bot", "photo": "http://p", "biography": "bio"}` + "\n",
	}}
	p, err := newTestService(t, r).Login(context.Background(), "cid", "bot", "s3cretPW", "", &models.Proxy{IP: "1.1.1.1", Port: 1080, Type: "socks5"})
	require.NoError(t, err)
	require.NotContains(t, r.script, "s3cretPW", "пароль не должен попадать в текст скрипта")
	require.Equal(t, []string{"IB_PASSWORD=s3cretPW"}, r.env)
	require.Equal(t, "bot", p.Username)
	require.JSONEq(t, `{"uuids": {"phone_id": "x"}}`, p.Settings)
	require.Contains(t, r.script, `client.set_proxy("socks5://1.1.1.1:1080")`)
}

func TestLoginFailure(t *testing.T) {
	r := &fakeRunner{res: docker.ExecResult{Stdout: `{"error": "BadPassword: nope"}`, ExitCode: 1}}
	_, err := newTestService(t, r).Login(context.Background(), "cid", "bot", "pw", "", nil)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Contains(t, err.Error(), "BadPassword")

	r = &fakeRunner{res: docker.ExecResult{Stderr: "Traceback\nModuleNotFoundError: instagrapi", ExitCode: 1}}
	_, err = newTestService(t, r).Login(context.Background(), "cid", "bot", "pw", "", nil)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Contains(t, err.Error(), "ModuleNotFoundError")

	r = &fakeRunner{err: errors.New("docker down")}
	_, err = newTestService(t, r).Login(context.Background(), "cid", "bot", "pw", "", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLoginFailed)
}

func TestCheckProxyUnavailable(t *testing.T) {
	// Порт закрытого слушателя гарантированно не принимает соединения.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p, err := models.ParseProxy("127.0.0.1:" + strconv.Itoa(port))
	require.NoError(t, err)
	err = newTestService(t, &fakeRunner{}).CheckProxy(context.Background(), p)
	require.ErrorIs(t, err, ErrProxyUnavailable)
}
