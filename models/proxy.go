package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Proxy — SOCKS5-прокси, через который работает клиент.
// В БД хранится строкой вида [login:password@]ip:port.
type Proxy struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Type     string `json:"type"`
}

// ParseProxy разбирает строку прокси. Префикс socks5:// необязателен.
func ParseProxy(raw string) (*Proxy, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty proxy")
	}
	p := &Proxy{Type: "socks5"}
	if i := strings.Index(s, "://"); i >= 0 {
		scheme := strings.ToLower(s[:i])
		if scheme != "socks5" && scheme != "socks5h" {
			return nil, fmt.Errorf("unsupported proxy scheme %q", scheme)
		}
		p.Type = scheme
		s = s[i+3:]
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		creds := s[:at]
		s = s[at+1:]
		login, password, ok := strings.Cut(creds, ":")
		if !ok || login == "" {
			return nil, fmt.Errorf("invalid proxy credentials")
		}
		p.Login, p.Password = login, password
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address: %w", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid proxy port %q", port)
	}
	if host == "" {
		return nil, fmt.Errorf("empty proxy host")
	}
	p.IP, p.Port = host, n
	return p, nil
}

// Addr возвращает host:port.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// URL возвращает прокси в формате, который понимает instagrapi.
func (p *Proxy) URL() string {
	if p.Login != "" {
		return fmt.Sprintf("%s://%s:%s@%s", p.Type, p.Login, p.Password, p.Addr())
	}
	return fmt.Sprintf("%s://%s", p.Type, p.Addr())
}
