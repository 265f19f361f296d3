// Package templates registers the Handlebars helpers available inside
// scripted message text and configuration values.
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numericChars      = "0123456789"
)

type TemplateEngine struct{}

var (
	templateEngineInstance *TemplateEngine
	templateEngineOnce     sync.Once
)

// NewTemplateEngine returns the singleton instance of TemplateEngine.
// Helpers are registered exactly once; raymond panics on double
// registration.
func NewTemplateEngine() *TemplateEngine {
	templateEngineOnce.Do(func() {
		RegisterHelpers()
		templateEngineInstance = &TemplateEngine{}
	})
	return templateEngineInstance
}

// RegisterHelpers registers the custom Handlebars helpers.
func RegisterHelpers() {
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		randomType := strings.ToUpper(options.HashStr("type"))
		if randomType == "" {
			randomType = "ALPHANUMERIC"
		}
		if randomType == "UUID" {
			return uuid.New().String()
		}

		length := 10
		if lengthVal := options.HashProp("length"); lengthVal != nil {
			switch v := lengthVal.(type) {
			case int:
				length = v
			case int64:
				length = int(v)
			case float64:
				length = int(v)
			case string:
				fmt.Sscanf(v, "%d", &length)
			}
		}

		chars := alphanumericChars
		if randomType == "NUMERIC" {
			chars = numericChars
		}
		return generateRandomString(chars, length)
	})

	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower := 0
		upper := 100
		if lowerVal := options.HashProp("lower"); lowerVal != nil {
			lower = toInt(lowerVal)
		}
		if upperVal := options.HashProp("upper"); upperVal != nil {
			upper = toInt(upperVal)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
		if err != nil {
			return fmt.Sprintf("%d", lower)
		}
		return fmt.Sprintf("%d", lower+int(n.Int64()))
	})

	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		switch options.HashStr("format") {
		case "epoch":
			return fmt.Sprintf("%d", now.UnixMilli())
		case "unix":
			return fmt.Sprintf("%d", now.Unix())
		default:
			return now.Format(time.RFC3339)
		}
	})

	// faker generates plausible patient-style values for scripted answers,
	// e.g. {{faker "Name.full_name"}} or {{faker "Number.age"}}.
	raymond.RegisterHelper("faker", func(key string) string {
		r := gofakeit.New(0)

		category, sub, _ := strings.Cut(key, ".")
		switch category {
		case "Name":
			switch sub {
			case "first_name":
				return r.FirstName()
			case "last_name":
				return r.LastName()
			case "full_name", "":
				return r.Name()
			}
		case "Number":
			switch sub {
			case "age":
				return fmt.Sprintf("%d", r.Number(18, 90))
			case "digit":
				return r.Digit()
			default:
				return fmt.Sprintf("%d", r.Number(0, 100))
			}
		case "Word":
			return r.Word()
		case "City":
			return r.City()
		case "State":
			return r.State()
		}
		return ""
	})
}

func generateRandomString(chars string, length int) string {
	if length <= 0 {
		return ""
	}
	result := make([]byte, length)
	max := big.NewInt(int64(len(chars)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			result[i] = chars[0]
			continue
		}
		result[i] = chars[n.Int64()]
	}
	return string(result)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		fmt.Sscanf(n, "%d", &parsed)
		return parsed
	}
	return 0
}
