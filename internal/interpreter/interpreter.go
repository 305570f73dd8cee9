// Package interpreter turns the free text printed by the eye scorer into a
// structured result.
package interpreter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Category is the myopia grading reported by the scorer.
type Category string

const (
	CategoryNormal   Category = "Normal"
	CategoryMild     Category = "Mild Myopia"
	CategoryModerate Category = "Moderate Myopia"
	CategorySevere   Category = "Severe Myopia"
)

// Categories lists every category in matching priority order.
var Categories = []Category{CategoryNormal, CategoryMild, CategoryModerate, CategorySevere}

var (
	confidencePattern = regexp.MustCompile(`Confidence:\s*([\d.]+)%`)
	eyeSidePattern    = regexp.MustCompile(`(?i)\b(left|right)\s+eye\b`)
)

// numberPrefix keeps the leading number of a malformed value like "87.5.".
var numberPrefix = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)`)

const (
	EyeSideLeft  = "Left Eye"
	EyeSideRight = "Right Eye"
)

// Result is the structured reading of one scorer output.
type Result struct {
	Category   Category
	Confidence *float64
	EyeSide    string
	// Matched is false when no category keyword occurred and Normal was assumed.
	Matched bool
}

// Interpret extracts category, confidence and eye side from raw scorer output.
func Interpret(raw string) Result {
	category, matched := extractCategory(raw)
	return Result{
		Category:   category,
		Confidence: extractConfidence(raw),
		EyeSide:    extractEyeSide(raw),
		Matched:    matched,
	}
}

func extractCategory(raw string) (Category, bool) {
	for _, c := range Categories {
		if strings.Contains(raw, string(c)) {
			return c, true
		}
	}
	return CategoryNormal, false
}

func extractConfidence(raw string) *float64 {
	m := confidencePattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	num := numberPrefix.FindString(m[1])
	if num == "" {
		return nil
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil
	}
	return &v
}

func extractEyeSide(raw string) string {
	m := eyeSidePattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	if strings.EqualFold(m[1], "left") {
		return EyeSideLeft
	}
	return EyeSideRight
}

// ParseCategory validates s against the known categories.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}
