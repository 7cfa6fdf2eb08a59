package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type modelBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type modelResponse struct {
	Anomalies []struct {
		Label      string   `json:"label"`
		Confidence float64  `json:"confidence"`
		Box        modelBox `json:"box"`
	} `json:"anomalies"`
}

var reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// parseModelResponse разбирает ответ модели в нормализованные области.
func parseModelResponse(raw string) ([]modelBox, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, errors.New("model returned non-JSON response")
	}

	var resp modelResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}

	boxes := make([]modelBox, 0, len(resp.Anomalies))
	for _, a := range resp.Anomalies {
		b := normalizeBox(a.Box)
		if b.W <= 0 || b.H <= 0 {
			continue
		}
		boxes = append(boxes, b)
	}
	return boxes, nil
}

// sanitizeModelJSON убирает code fences, комментарии и висячие запятые.
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = stripComments(raw)
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Оставляем только внешний {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// stripComments убирает // и /* */ комментарии вне строковых литералов,
// так что "http://..." в label остаётся целым.
func stripComments(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '/' && i+1 < len(raw) {
			switch raw[i+1] {
			case '/':
				for i < len(raw) && raw[i] != '\n' {
					i++
				}
				if i < len(raw) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(raw[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += 2 + end + 1
				continue
			}
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// normalizeBox зажимает область в [0,1] и обрезает выход за край.
func normalizeBox(b modelBox) modelBox {
	b.X = clamp(b.X, 0, 1)
	b.Y = clamp(b.Y, 0, 1)
	b.W = clamp(b.W, 0, 1-b.X)
	b.H = clamp(b.H, 0, 1-b.Y)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
