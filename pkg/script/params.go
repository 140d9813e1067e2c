package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"instabot_go/models"
)

// ErrInvalidParams — параметры задачи не прошли проверку.
var ErrInvalidParams = errors.New("invalid params")

// Params описывает параметры одного действия.
type Params interface {
	Validate() error
	// Total возвращает знаменатели прогресса по секциям.
	Total() map[string]int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

func checkRange(name string, from, to int) error {
	if from < 0 || to < 0 {
		return invalid("%s must be non-negative", name)
	}
	if from > to {
		return invalid("%s_from must not exceed %s_to", name, name)
	}
	return nil
}

func checkAmount(name string, v *int) error {
	if v != nil && *v < 0 {
		return invalid("%s must be non-negative", name)
	}
	return nil
}

func checkList(name string, items []string) error {
	if len(items) == 0 {
		return invalid("%s must not be empty", name)
	}
	for _, s := range items {
		if s == "" {
			return invalid("%s contains an empty value", name)
		}
	}
	return nil
}

// Interaction задаёт, что делать с каждым найденным пользователем.
type Interaction struct {
	TimeoutFrom        int  `json:"timeout_from"`
	TimeoutTo          int  `json:"timeout_to"`
	PostsTimeoutFrom   int  `json:"posts_timeout_from"`
	PostsTimeoutTo     int  `json:"posts_timeout_to"`
	ReelsTimeoutFrom   int  `json:"reels_timeout_from"`
	ReelsTimeoutTo     int  `json:"reels_timeout_to"`
	StoriesTimeoutFrom int  `json:"stories_timeout_from"`
	StoriesTimeoutTo   int  `json:"stories_timeout_to"`
	Follow             bool `json:"follow"`
	StoriesLike        bool `json:"stories_like"`
	StoriesAmount      *int `json:"stories_amount"`
	PostsLike          bool `json:"posts_like"`
	PostsAmount        *int `json:"posts_amount"`
	ReelsLike          bool `json:"reels_like"`
	ReelsAmount        *int `json:"reels_amount"`
}

func (p Interaction) validate() error {
	for _, r := range []struct {
		name     string
		from, to int
	}{
		{"timeout", p.TimeoutFrom, p.TimeoutTo},
		{"posts_timeout", p.PostsTimeoutFrom, p.PostsTimeoutTo},
		{"reels_timeout", p.ReelsTimeoutFrom, p.ReelsTimeoutTo},
		{"stories_timeout", p.StoriesTimeoutFrom, p.StoriesTimeoutTo},
	} {
		if err := checkRange(r.name, r.from, r.to); err != nil {
			return err
		}
	}
	if err := checkAmount("stories_amount", p.StoriesAmount); err != nil {
		return err
	}
	if err := checkAmount("posts_amount", p.PostsAmount); err != nil {
		return err
	}
	return checkAmount("reels_amount", p.ReelsAmount)
}

type PeopleParams struct {
	Interaction
	Users []string `json:"users"`
}

func (p PeopleParams) Validate() error {
	if err := checkList("users", p.Users); err != nil {
		return err
	}
	return p.Interaction.validate()
}

func (p PeopleParams) Total() map[string]int { return map[string]int{"people": len(p.Users)} }

type HashtagsParams struct {
	Interaction
	Hashtags []string `json:"hashtags"`
	Amount   int      `json:"amount"`
}

func (p HashtagsParams) Validate() error {
	if err := checkList("hashtags", p.Hashtags); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return invalid("amount must be positive")
	}
	return p.Interaction.validate()
}

func (p HashtagsParams) Total() map[string]int { return map[string]int{"hashtags": len(p.Hashtags)} }

type ParsingParams struct {
	Users            []string `json:"users"`
	Followers        bool     `json:"followers"`
	FollowersAmount  *int     `json:"followers_amount"`
	Followings       bool     `json:"followings"`
	FollowingsAmount *int     `json:"followings_amount"`
}

func (p ParsingParams) Validate() error {
	if err := checkList("users", p.Users); err != nil {
		return err
	}
	if !p.Followers && !p.Followings {
		return invalid("nothing to parse: enable followers or followings")
	}
	if err := checkAmount("followers_amount", p.FollowersAmount); err != nil {
		return err
	}
	return checkAmount("followings_amount", p.FollowingsAmount)
}

func (p ParsingParams) Total() map[string]int { return map[string]int{"parsing": len(p.Users)} }

// MixedParams запускает до трёх секций последовательно с паузой между ними.
type MixedParams struct {
	People         bool           `json:"people"`
	PeopleConfig   PeopleParams   `json:"people_config"`
	Hashtags       bool           `json:"hashtags"`
	HashtagsConfig HashtagsParams `json:"hashtags_config"`
	Parsing        bool           `json:"parsing"`
	ParsingConfig  ParsingParams  `json:"parsing_config"`
	TimeoutFrom    int            `json:"timeout_from"`
	TimeoutTo      int            `json:"timeout_to"`
}

func (p MixedParams) Validate() error {
	if !p.People && !p.Hashtags && !p.Parsing {
		return invalid("at least one section must be enabled")
	}
	if err := checkRange("timeout", p.TimeoutFrom, p.TimeoutTo); err != nil {
		return err
	}
	if p.People {
		if err := p.PeopleConfig.Validate(); err != nil {
			return fmt.Errorf("people_config: %w", err)
		}
	}
	if p.Hashtags {
		if err := p.HashtagsConfig.Validate(); err != nil {
			return fmt.Errorf("hashtags_config: %w", err)
		}
	}
	if p.Parsing {
		if err := p.ParsingConfig.Validate(); err != nil {
			return fmt.Errorf("parsing_config: %w", err)
		}
	}
	return nil
}

func (p MixedParams) Total() map[string]int {
	out := map[string]int{}
	if p.People {
		out["people"] = len(p.PeopleConfig.Users)
	}
	if p.Hashtags {
		out["hashtags"] = len(p.HashtagsConfig.Hashtags)
	}
	if p.Parsing {
		out["parsing"] = len(p.ParsingConfig.Users)
	}
	return out
}

// FollowParams — подписка на список пользователей.
type FollowParams struct {
	Users       []string `json:"users"`
	TimeoutFrom int      `json:"timeout_from"`
	TimeoutTo   int      `json:"timeout_to"`
}

func (p FollowParams) Validate() error {
	if err := checkList("users", p.Users); err != nil {
		return err
	}
	return checkRange("timeout", p.TimeoutFrom, p.TimeoutTo)
}

func (p FollowParams) Total() map[string]int { return map[string]int{"follow": len(p.Users)} }

// UsersLikeParams — лайки сторис, рилсов или первого поста по id пользователей.
type UsersLikeParams struct {
	UsersIDs []string `json:"users_ids"`
	Amount   *int     `json:"amount"`
}

func (p UsersLikeParams) Validate() error {
	if err := checkList("users_ids", p.UsersIDs); err != nil {
		return err
	}
	return checkAmount("amount", p.Amount)
}

func (p UsersLikeParams) Total() map[string]int { return map[string]int{"users": len(p.UsersIDs)} }

type HashtagsLikeParams struct {
	Hashtags    []string `json:"hashtags"`
	Amount      int      `json:"amount"`
	TimeoutFrom int      `json:"timeout_from"`
	TimeoutTo   int      `json:"timeout_to"`
}

func (p HashtagsLikeParams) Validate() error {
	if err := checkList("hashtags", p.Hashtags); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return invalid("amount must be positive")
	}
	return checkRange("timeout", p.TimeoutFrom, p.TimeoutTo)
}

func (p HashtagsLikeParams) Total() map[string]int { return map[string]int{"hashtags": len(p.Hashtags)} }

type FollowersParseParams struct {
	Users  []string `json:"users"`
	Amount *int     `json:"amount"`
}

func (p FollowersParseParams) Validate() error {
	if err := checkList("users", p.Users); err != nil {
		return err
	}
	return checkAmount("amount", p.Amount)
}

func (p FollowersParseParams) Total() map[string]int { return map[string]int{"users": len(p.Users)} }

var methodName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CallParams вызывает метод instagrapi.Client по имени IterationCount раз.
// FunctionArgs[i] содержит аргументы i-го вызова; недостающие заменяются пустым списком.
type CallParams struct {
	FunctionName   string  `json:"function_name"`
	FunctionArgs   [][]any `json:"function_args"`
	IterationCount int     `json:"iteration_count"`
}

func (p CallParams) Validate() error {
	if !methodName.MatchString(p.FunctionName) {
		return invalid("function_name %q is not a public client method", p.FunctionName)
	}
	if p.IterationCount <= 0 {
		return invalid("iteration_count must be positive")
	}
	if len(p.FunctionArgs) > p.IterationCount {
		return invalid("function_args has more entries than iteration_count")
	}
	return nil
}

func (p CallParams) Total() map[string]int { return map[string]int{"calls": p.IterationCount} }

// NoTalkWindow: сколько времени с подписчиком не было переписки.
type NoTalkWindow struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

func (w NoTalkWindow) Seconds() int {
	return ((w.Days*24+w.Hours)*60 + w.Minutes) * 60
}

type AutoReplyParams struct {
	Text                string       `json:"text"`
	FollowersNoTalkTime NoTalkWindow `json:"followers_no_talk_time"`
}

func (p AutoReplyParams) Validate() error {
	w := p.FollowersNoTalkTime
	if w.Days < 0 || w.Hours < 0 || w.Minutes < 0 {
		return invalid("followers_no_talk_time must be non-negative")
	}
	if w.Seconds() == 0 {
		return invalid("followers_no_talk_time must not be zero")
	}
	return ValidateText(p.Text)
}

func (p AutoReplyParams) Total() map[string]int { return nil }

// newParams возвращает пустую структуру параметров для действия.
func newParams(action models.ActionType) (Params, error) {
	switch action {
	case models.ActionPeople:
		return &PeopleParams{}, nil
	case models.ActionHashtags:
		return &HashtagsParams{}, nil
	case models.ActionParsing:
		return &ParsingParams{}, nil
	case models.ActionMixed:
		return &MixedParams{}, nil
	case models.ActionFollow:
		return &FollowParams{}, nil
	case models.ActionStoryLike, models.ActionReelsLike, models.ActionFirstPostLike:
		return &UsersLikeParams{}, nil
	case models.ActionHashtagsPostsLike, models.ActionHashtagsReelsLike:
		return &HashtagsLikeParams{}, nil
	case models.ActionFollowersParse:
		return &FollowersParseParams{}, nil
	case models.ActionCall:
		return &CallParams{}, nil
	}
	return nil, invalid("unknown action %q", action)
}

// Decode разбирает и проверяет параметры действия из JSON.
func Decode(action models.ActionType, raw []byte) (Params, error) {
	p, err := newParams(action)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, invalid("%v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
