// Package script собирает python-скрипты для instagrapi, которые
// запускаются внутри контейнера группы.
package script

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"text/template"

	"instabot_go/models"
)

//go:embed templates/*.py.tmpl
var templatesFS embed.FS

// Служебные виды скриптов, которые не являются задачами.
const (
	KindLogin     = "login"
	KindAutoReply = "auto_reply"
)

// PasswordEnv: переменная окружения, через которую скрипт входа получает пароль.
// Пароль не попадает ни в текст скрипта, ни в командную строку процесса.
const PasswordEnv = "IB_PASSWORD"

// TokenHeader: в этом заголовке скрипт передаёт токен задачи.
const TokenHeader = "X-Task-Token"

// Env содержит общие данные для пролога скрипта.
type Env struct {
	// Marker пишется первой строкой, по нему процесс находится в ps.
	Marker      string
	TaskID      string
	CallbackURL string
	Token       string
	Settings    string
	Proxy       string
}

// LoginEnv — данные для скрипта входа.
type LoginEnv struct {
	Username string
	Settings string
	Proxy    string
}

type Generator struct {
	tmpl *template.Template
}

func New() (*Generator, error) {
	tmpl, err := template.New("script").
		Funcs(template.FuncMap{
			"py":          pyString,
			"tokenHeader": func() string { return TokenHeader },
			"passwordEnv": func() string { return PasswordEnv },
		}).
		ParseFS(templatesFS, "templates/*.py.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Generator{tmpl: tmpl}, nil
}

type renderData struct {
	Env
	Params string
	Kind   string
}

// Render собирает скрипт действия с параметрами p.
func (g *Generator) Render(action models.ActionType, env Env, p Params) (string, error) {
	return g.render(string(action), env, p)
}

// RenderAutoReply собирает бесконечный цикл автоответчика.
func (g *Generator) RenderAutoReply(env Env, p AutoReplyParams) (string, error) {
	return g.render(KindAutoReply, env, p)
}

// RenderLogin собирает скрипт входа, который печатает JSON с настройками и профилем.
func (g *Generator) RenderLogin(env LoginEnv) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, KindLogin+".py.tmpl", env); err != nil {
		return "", fmt.Errorf("render login: %w", err)
	}
	return buf.String(), nil
}

func (g *Generator) render(kind string, env Env, p any) (string, error) {
	if g.tmpl.Lookup(kind+".py.tmpl") == nil {
		return "", fmt.Errorf("no template for %q", kind)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	if env.Settings == "" {
		env.Settings = "{}"
	}
	var buf bytes.Buffer
	data := renderData{Env: env, Params: string(raw), Kind: kind}
	if err := g.tmpl.ExecuteTemplate(&buf, kind+".py.tmpl", data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.String(), nil
}

// pyString возвращает строковый литерал Python только из ASCII-символов.
// Экранирование strconv совместимо с синтаксисом Python.
func pyString(s string) string {
	return strconv.QuoteToASCII(s)
}
