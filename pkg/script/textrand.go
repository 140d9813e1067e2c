package script

import (
	"math/rand"
	"regexp"
	"strings"
)

var (
	blockRe  = regexp.MustCompile(`\{([^{}]+)\}`)
	choiceRe = regexp.MustCompile(`\(([^()]*)\)`)
)

// ValidateText проверяет шаблон автоответа: хотя бы один блок {…},
// фигурные и круглые скобки сбалансированы и не вложены.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("text must not be empty")
	}
	if err := checkPairs(text, '{', '}'); err != nil {
		return err
	}
	if err := checkPairs(text, '(', ')'); err != nil {
		return err
	}
	if !blockRe.MatchString(text) {
		return invalid("text must contain at least one {message} block")
	}
	return nil
}

func checkPairs(text string, open, closing rune) error {
	depth := 0
	for _, r := range text {
		switch r {
		case open:
			depth++
			if depth > 1 {
				return invalid("nested %c%c is not supported", open, closing)
			}
		case closing:
			depth--
			if depth < 0 {
				return invalid("unbalanced %c", closing)
			}
		}
	}
	if depth != 0 {
		return invalid("unbalanced %c", open)
	}
	return nil
}

// Randomize превращает шаблон в список сообщений: по одному на каждый блок {…},
// каждая группа (a|b|c) заменяется случайным вариантом.
func Randomize(text string, rnd *rand.Rand) []string {
	blocks := blockRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		msg := choiceRe.ReplaceAllStringFunc(b[1], func(group string) string {
			options := strings.Split(group[1:len(group)-1], "|")
			return options[rnd.Intn(len(options))]
		})
		out = append(out, msg)
	}
	return out
}
