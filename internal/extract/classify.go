// classify.go: alert level and confidence classification of analysis text.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Keyword vocabularies per alert level. The source workflows produce analysis
// text in Spanish or English depending on configuration, so both sets are
// matched. Levels are checked from most to least severe and the first match
// wins.
var alertVocabulary = []struct {
	level    string
	keywords []string
}{
	{AlertHigh, []string{
		"riesgo alto", "alto riesgo", "high risk", "peligro", "danger",
		"critico", "crítico", "critical", "intruso", "intruder", "alerta roja",
	}},
	{AlertMedium, []string{
		"riesgo medio", "medium risk", "moderado", "moderate",
		"precaucion", "precaución", "sospechoso", "suspicious", "warning",
	}},
	{AlertLow, []string{
		"riesgo bajo", "bajo riesgo", "low risk", "leve", "minor",
	}},
	{AlertNone, []string{
		"sin riesgo", "no risk", "normal", "despejado", "clear", "nada relevante",
	}},
}

// riskVocabulary is the flat keyword list used by the recursive scan to decide
// whether an unlabeled string is candidate analysis text.
var riskVocabulary = func() []string {
	out := []string{"riesgo", "risk", "alerta", "alert", "amenaza", "threat"}
	for _, entry := range alertVocabulary {
		out = append(out, entry.keywords...)
	}
	return out
}()

// confidenceToken matches an explicit percentage in the text, e.g. "92%".
var confidenceToken = regexp.MustCompile(`(\d{1,3})\s*%`)

// Classify derives the alert level and confidence from analysis text.
// The level comes from a fixed vocabulary match; the confidence is only set
// when the text carries an explicit NN% token, and stays nil otherwise.
func Classify(text string) Classification {
	c := Classification{AlertLevel: AlertNone}
	lower := strings.ToLower(text)

	for _, entry := range alertVocabulary {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				c.AlertLevel = entry.level
				confidenceFromToken(lower, &c)
				return c
			}
		}
	}

	confidenceFromToken(lower, &c)
	return c
}

func confidenceFromToken(lower string, c *Classification) {
	m := confidenceToken.FindStringSubmatch(lower)
	if m == nil {
		return
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return
	}
	conf := float64(pct) / 100
	c.Confidence = &conf
}

// containsRiskVocabulary reports whether the string mentions any risk-related
// keyword, in either language.
func containsRiskVocabulary(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range riskVocabulary {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
