package planner

import (
	"strings"
	"unicode"
)

// DefaultThreshold is the score at which a message is planned.
const DefaultThreshold = 0.6

const (
	minWords        = 5
	verbWeight      = 0.3
	verbCap         = 0.6
	connWeight      = 0.3
	connCap         = 0.6
	longBonus       = 0.2
	longWords       = 15
	veryLongWords   = 25
	techWeight      = 0.15
	techCap         = 0.3
	questionPenalty = 0.2
	epsilon         = 1e-9
)

// greetings are whole messages that never warrant a plan.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank you": true,
	"thx": true, "ok": true, "okay": true, "yes": true, "no": true, "sure": true,
	"bye": true, "good morning": true, "good evening": true, "great": true,
	"cool": true, "got it": true, "nice": true,
	"hallo": true, "servus": true, "moin": true, "danke": true, "danke schön": true,
	"vielen dank": true, "ja": true, "nein": true, "tschüss": true,
	"guten morgen": true, "guten abend": true, "guten tag": true, "alles klar": true,
	"super": true, "passt": true,
}

// actionStems match any word that starts with them.
var actionStems = []string{
	// English
	"create", "build", "write", "generat", "analy", "compar", "research",
	"find", "search", "calculat", "comput", "visuali", "plot", "summari",
	"convert", "export", "download", "implement", "design", "translat",
	"fetch", "collect", "draft", "prepar", "extract", "refactor", "deploy",
	// German
	"erstell", "schreib", "generier", "analysier", "vergleich", "recherchier",
	"suche", "durchsuch", "berechn", "visualisier", "zusammenfass", "fasse", "konvertier",
	"exportier", "implementier", "entwick", "übersetz", "sammel", "sammle",
	"bereite", "extrahier", "programmier", "speicher", "lade",
}

// connectives are ordered word sequences; each must occur in order.
var connectives = [][]string{
	{"and then"},
	{"first", "then"},
	{"after that"},
	{"afterwards"},
	{"finally"},
	{"next"},
	{"und dann"},
	{"zuerst", "dann"},
	{"zunächst", "dann"},
	{"danach"},
	{"anschließend"},
	{"schließlich"},
	{"zum schluss"},
}

var technicalTerms = map[string]bool{
	"python": true, "javascript": true, "typescript": true, "script": true,
	"code": true, "sql": true, "api": true, "json": true, "csv": true,
	"yaml": true, "html": true, "css": true, "http": true, "regex": true,
	"database": true, "datenbank": true, "function": true, "funktion": true,
	"algorithm": true, "algorithmus": true, "docker": true, "excel": true,
	"chart": true, "diagramm": true, "graph": true, "dataset": true,
	"datensatz": true, "tabelle": true, "table": true, "markdown": true,
	"pdf": true, "fibonacci": true, "matplotlib": true, "pandas": true,
}

var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "is": true, "are": true, "can": true,
	"could": true, "does": true, "do": true, "should": true,
	"was": true, "wie": true, "warum": true, "wieso": true, "wann": true,
	"wo": true, "wer": true, "welche": true, "welcher": true, "kann": true,
	"ist": true, "sind": true, "gibt": true,
}

// Assessment is the breakdown behind a planning decision.
type Assessment struct {
	Words          int      `json:"words"`
	Greeting       bool     `json:"greeting"`
	Verbs          []string `json:"verbs,omitempty"`
	Connectives    int      `json:"connectives"`
	TechnicalTerms []string `json:"technical_terms,omitempty"`
	Question       bool     `json:"question"`
	Score          float64  `json:"score"`
	Plan           bool     `json:"plan"`
}

// Classifier holds the planning threshold.
type Classifier struct {
	Threshold float64
}

// DefaultClassifier plans at DefaultThreshold.
var DefaultClassifier = Classifier{Threshold: DefaultThreshold}

// ShouldPlan reports whether message warrants a multi-step plan.
func ShouldPlan(message string) bool {
	return DefaultClassifier.ShouldPlan(message)
}

// Score returns the full assessment of message under the default threshold.
func Score(message string) Assessment {
	return DefaultClassifier.Assess(message)
}

func (c Classifier) ShouldPlan(message string) bool {
	return c.Assess(message).Plan
}

// Assess scores message. Greetings and messages under five words are
// rejected before scoring.
func (c Classifier) Assess(message string) Assessment {
	words := words(message)
	a := Assessment{Words: len(words)}

	if greetings[strings.Join(words, " ")] {
		a.Greeting = true
		return a
	}
	if len(words) < minWords {
		return a
	}

	seenVerb := make(map[string]bool)
	seenTech := make(map[string]bool)
	for _, w := range words {
		if stem := matchStem(w); stem != "" && !seenVerb[stem] {
			seenVerb[stem] = true
			a.Verbs = append(a.Verbs, w)
		}
		if technicalTerms[w] && !seenTech[w] {
			seenTech[w] = true
			a.TechnicalTerms = append(a.TechnicalTerms, w)
		}
	}
	a.Connectives = countConnectives(words)
	a.Question = isQuestion(message, words)

	var score float64
	score += capped(float64(len(a.Verbs))*verbWeight, verbCap)
	score += capped(float64(a.Connectives)*connWeight, connCap)
	if len(words) > longWords {
		score += longBonus
	}
	if len(words) > veryLongWords {
		score += longBonus
	}
	score += capped(float64(len(a.TechnicalTerms))*techWeight, techCap)
	if a.Question && len(a.Verbs) == 0 {
		score -= questionPenalty
	}

	a.Score = score
	threshold := c.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	a.Plan = score+epsilon >= threshold
	return a
}

func capped(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

// words lower-cases message and splits it on anything that is not a
// letter or digit.
func words(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), isSeparator)
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func matchStem(word string) string {
	for _, stem := range actionStems {
		if strings.HasPrefix(word, stem) {
			return stem
		}
	}
	return ""
}

func countConnectives(words []string) int {
	text := " " + strings.Join(words, " ") + " "
	n := 0
	for _, seq := range connectives {
		if containsInOrder(text, seq) {
			n++
		}
	}
	return n
}

func containsInOrder(text string, seq []string) bool {
	pos := 0
	for _, part := range seq {
		i := strings.Index(text[pos:], " "+part+" ")
		if i < 0 {
			return false
		}
		pos += i + len(part) + 1
	}
	return true
}

func isQuestion(message string, words []string) bool {
	if strings.HasSuffix(strings.TrimSpace(message), "?") {
		return true
	}
	return len(words) > 0 && questionWords[words[0]]
}
