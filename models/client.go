package models

import (
	"database/sql"
	"encoding/json"
)

// Статусы клиента, которые хранятся в Redis.
const (
	ClientStatusActive        = "active"
	ClientStatusBusy          = "busy"
	ClientStatusLoginRequired = "login_required"
	ClientStatusUnknown       = "unknown"
)

// Client — один управляемый Instagram-аккаунт и его сохранённая сессия.
type Client struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	Photo           string          `json:"photo"`
	Description     sql.NullString  `json:"-"`
	Settings        string          `json:"-"` // сериализованные настройки instagrapi, содержат cookies
	Config          json.RawMessage `json:"config,omitempty"`
	Proxy           sql.NullString  `json:"-"`
	AutoReplyConfig json.RawMessage `json:"auto_reply_config,omitempty"`
	AutoReplyID     sql.NullString  `json:"-"`
	UserID          string          `json:"user_id"`
	GroupID         string          `json:"group_id"`
}

// ClientView отдаётся API вместе со статусом из Redis.
type ClientView struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	Photo           string          `json:"photo"`
	Description     *string         `json:"description"`
	Config          json.RawMessage `json:"config,omitempty"`
	Proxy           *string         `json:"proxy"`
	AutoReplyConfig json.RawMessage `json:"auto_reply_config,omitempty"`
	AutoReplyID     *string         `json:"auto_reply_id"`
	UserID          string          `json:"user_id"`
	GroupID         string          `json:"group_id"`
	Status          string          `json:"status"`
}

// View собирает представление клиента, подставляя статус.
func (c Client) View(status string) ClientView {
	if status == "" {
		status = ClientStatusUnknown
	}
	return ClientView{
		ID:              c.ID,
		Username:        c.Username,
		Photo:           c.Photo,
		Description:     nullToPtr(c.Description),
		Config:          c.Config,
		Proxy:           nullToPtr(c.Proxy),
		AutoReplyConfig: c.AutoReplyConfig,
		AutoReplyID:     nullToPtr(c.AutoReplyID),
		UserID:          c.UserID,
		GroupID:         c.GroupID,
		Status:          status,
	}
}

func nullToPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
