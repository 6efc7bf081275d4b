package coach

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"stride/internal/domain"
)

// ErrCompletionNotConfirmed rejects a completion command that did not follow
// a confirmation question answered affirmatively.
var ErrCompletionNotConfirmed = errors.New("goal completion was not confirmed")

var completionPhrases = []string{
	"finished everything", "finished it all", "finished all", "i'm done", "im done", "i am done",
	"all done", "completed everything", "completed it all", "completed all", "completed the goal",
	"finished the goal", "reached my goal", "achieved my goal", "done with everything", "nailed it",
	"全部完成", "都完成了", "全部做完", "目标完成", "达成目标",
}

var affirmativeWords = []string{
	"yes", "yeah", "yep", "yup", "sure", "correct", "right", "confirm", "confirmed", "absolutely",
	"definitely", "of course", "indeed", "ok", "okay", "y",
}

var affirmativeCJK = []string{"是的", "是", "对", "对的", "没错", "确认", "确定", "嗯", "好的", "当然"}

var negations = []string{"not", "no", "nope", "never", "don't", "didn't", "haven't", "不", "没", "还没"}

// ImpliesCompletion reports whether a message claims the whole goal is done.
func ImpliesCompletion(text string) bool {
	t := strings.ToLower(text)
	if containsWord(t, "not") || strings.Contains(t, "还没") || strings.Contains(t, "没有完成") {
		return false
	}
	for _, p := range completionPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// IsAffirmative reports whether a reply confirms the pending question.
func IsAffirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if strings.HasPrefix(t, "没错") {
		return true
	}
	for _, n := range negations {
		if isCJK(n) {
			if strings.HasPrefix(t, n) {
				return false
			}
			continue
		}
		if containsWord(t, n) {
			return false
		}
	}
	for _, a := range affirmativeCJK {
		if strings.HasPrefix(t, a) {
			return true
		}
	}
	words := strings.FieldsFunc(t, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	for i, w := range words {
		for _, a := range affirmativeWords {
			if strings.Contains(a, " ") {
				if strings.HasPrefix(strings.Join(words[i:], " "), a) {
					return true
				}
				continue
			}
			if w == a {
				return true
			}
		}
		// only the opening words count, so "tell me yes or no" stays neutral
		if i >= 2 {
			break
		}
	}
	return false
}

// IsQuestion reports whether a reply ends by asking something.
func IsQuestion(text string) bool {
	t := strings.TrimSpace(text)
	t = strings.TrimRightFunc(t, func(r rune) bool { return unicode.IsSpace(r) || strings.ContainsRune(")]*_~\"'”」", r) })
	return strings.HasSuffix(t, "?") || strings.HasSuffix(t, "？") || strings.HasSuffix(t, "吗")
}

// NewNonce returns a short random token the model must echo on confirmation.
func NewNonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// Gate decides whether a completion command may be applied.
type Gate struct {
	RequireNonce bool
}

// Authorize checks a completion command against the session's pending
// confirmation. The session must have asked in the previous turn, the user
// must have answered yes, and when nonces are required the command must echo
// the issued one.
func (g Gate) Authorize(s domain.Session, userText, nonce string) error {
	if !s.AwaitingConfirmation {
		return ErrCompletionNotConfirmed
	}
	if !IsAffirmative(userText) {
		return ErrCompletionNotConfirmed
	}
	if g.RequireNonce && (s.ConfirmationNonce == "" || nonce != s.ConfirmationNonce) {
		return ErrCompletionNotConfirmed
	}
	return nil
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' }) {
		if f == word {
			return true
		}
	}
	return false
}

func isCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
