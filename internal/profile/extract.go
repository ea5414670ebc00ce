package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
)

const (
	minAge = 3
	maxAge = 99
)

// Extraction is what one conversation turn revealed about the user.
// Zero values mean "not mentioned".
type Extraction struct {
	Name   string
	Age    int
	Gender string
}

func (e Extraction) Empty() bool {
	return e.Name == "" && e.Age == 0 && e.Gender == ""
}

// Extractor pulls user facts out of conversation turns, rules first and
// a model call only when the rules find nothing.
type Extractor struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewExtractor(apiKey, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

// ExtractFromTurn inspects one user/assistant exchange for profile facts.
func (e *Extractor) ExtractFromTurn(ctx context.Context, userText, assistantText string) (Extraction, error) {
	if got := extractWithRules(userText); !got.Empty() {
		e.logger.Debug("profile facts extracted with rules",
			"has_name", got.Name != "", "has_age", got.Age != 0, "has_gender", got.Gender != "")
		return got, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: extractionPrompt(userText, assistantText)},
		},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("extraction completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Extraction{}, fmt.Errorf("extraction completion: empty response")
	}

	return parseExtraction(resp.Choices[0].Message.Content), nil
}

func extractionPrompt(userText, assistantText string) string {
	return fmt.Sprintf(`Analyze this conversation between a user and an AI companion and extract ONLY information that is EXPLICITLY mentioned.

User message: %s
Assistant response: %s

Extract: name, age, gender.

Rules:
1. ONLY extract information clearly stated by the user.
2. For name: any format counts ("Меня зовут Петя", "My name is John", "Я Маша"). A single capitalized word of 3+ characters that is not a greeting is likely their name.
3. For age: any format counts ("Мне 8 лет", "I'm 10"). A bare number between 3 and 99 is likely their age.
4. For gender: extract when stated or clearly inferable from the name. Use "male" or "female".
5. Use null for anything not clearly present.
6. Use the surrounding assistant question for context: if the assistant just asked for a name and the user answered with one word, that word is the name.

Respond ONLY with a JSON object: {"name": "string or null", "age": number or null, "gender": "male/female or null"}`,
		userText, assistantText)
}

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

func parseExtraction(raw string) Extraction {
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return Extraction{}
	}

	var data struct {
		Name   any `json:"name"`
		Age    any `json:"age"`
		Gender any `json:"gender"`
	}
	if err := json.Unmarshal([]byte(match), &data); err != nil {
		return Extraction{}
	}

	var out Extraction
	if name, ok := data.Name.(string); ok {
		name = strings.TrimSpace(name)
		if !strings.EqualFold(name, "null") && isValidName(name) {
			out.Name = name
		}
	}
	switch v := data.Age.(type) {
	case float64:
		if age := int(v); age >= minAge && age <= maxAge {
			out.Age = age
		}
	case string:
		if age, err := strconv.Atoi(v); err == nil && age >= minAge && age <= maxAge {
			out.Age = age
		}
	}
	if gender, ok := data.Gender.(string); ok {
		out.Gender = normalizeGender(gender)
	}
	return out
}

func normalizeGender(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male", "мальчик":
		return "male"
	case "female", "девочка":
		return "female"
	default:
		return ""
	}
}

// nameBlacklist holds common conversational words mistaken for names.
var nameBlacklist = map[string]struct{}{
	"принято": {}, "хорошо": {}, "ладно": {}, "окей": {}, "понятно": {},
	"ясно": {}, "точно": {}, "верно": {},
	"ok": {}, "okay": {}, "yes": {}, "no": {}, "yeah": {}, "yep": {},
	"nope": {}, "sure": {}, "fine": {}, "good": {},
	"привет": {}, "здравствуйте": {}, "hello": {}, "hi": {}, "hey": {},
	"bye": {}, "пока": {},
	"спасибо": {}, "thanks": {}, "пожалуйста": {}, "please": {},
	"sorry": {}, "извините": {}, "простите": {},
}

// isValidName rejects blacklisted words, letterless strings, bare
// numbers and heavy punctuation.
func isValidName(name string) bool {
	if len([]rune(name)) < 2 {
		return false
	}
	if _, bad := nameBlacklist[strings.ToLower(strings.TrimSpace(name))]; bad {
		return false
	}

	hasLetter := false
	special := 0
	digitsOnly := true
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
			digitsOnly = false
		case unicode.IsDigit(r):
		case r == ' ' || r == '-':
			digitsOnly = false
		default:
			special++
			digitsOnly = false
		}
	}
	return hasLetter && !digitsOnly && special <= 2
}

var agePatterns = []*regexp.Regexp{
	regexp.MustCompile(`мне\s+(\d+)\s+(?:лет|год)`),
	regexp.MustCompile(`i'?m\s+(\d+)\s+years?\s+old`),
	regexp.MustCompile(`i'?m\s+(\d+)`),
	regexp.MustCompile(`возраст\s*:?\s*(\d+)`),
	regexp.MustCompile(`age\s*:?\s*(\d+)`),
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:[Мм]еня зовут|[Зз]овут)\s+([А-ЯЁ][а-яёА-ЯЁ\s]+?)(?:\.|,|!|\?|$)`),
	regexp.MustCompile(`(?:[Мм]еня|[Яя])\s+([А-ЯЁ][а-яёА-ЯЁ\s]{2,}?)(?:\.|,|!|\?|$)`),
	regexp.MustCompile(`(?:[Mm]y name is|name is)\s+([A-Z][a-zA-Z\s]+?)(?:\.|,|!|\?|$)`),
	regexp.MustCompile(`(?:[Ii]'?m|[Ii] am)\s+([A-Z][a-zA-Z\s]+?)(?:\.|,|!|\?|$)`),
	regexp.MustCompile(`name\s*:?\s*([A-Z][a-zA-Z\s]+?)(?:\.|,|!|\?|$)`),
}

// extractWithRules is the cheap regex path tried before any model call.
func extractWithRules(text string) Extraction {
	var out Extraction
	lower := strings.ToLower(text)

	for _, re := range agePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			if age, err := strconv.Atoi(m[1]); err == nil && age >= minAge && age <= maxAge {
				out.Age = age
				break
			}
		}
	}
	// A bare number is treated as an age answer.
	if out.Age == 0 {
		if age, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && age >= minAge && age <= maxAge {
			out.Age = age
		}
	}

	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			name := strings.Join(strings.Fields(m[1]), " ")
			if isValidName(name) {
				out.Name = name
				break
			}
		}
	}
	// A lone capitalized word is treated as a name answer.
	if out.Name == "" && len(strings.Fields(text)) == 1 {
		word := strings.TrimRight(strings.TrimSpace(text), ".,!?;:")
		runes := []rune(word)
		if len(runes) >= 3 && unicode.IsUpper(runes[0]) && isValidName(word) {
			out.Name = word
		}
	}

	return out
}
