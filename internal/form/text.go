package form

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy strips all markup. It is safe for concurrent use.
var strictPolicy = bluemonday.StrictPolicy()

// Text is a form field value. The site posts most fields as strings but
// budgets as numbers, so JSON numbers and booleans are kept as their literal
// text. null decodes to the empty string.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*t = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*t = Text(data)
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*t = Text(n.String())
	default:
		return fmt.Errorf("form: field must be a string, number or boolean, got %s", truncate(string(data), 32))
	}
	return nil
}

func (t Text) String() string { return string(t) }

// clean trims whitespace and strips markup, leaving plain text. Entities the
// policy introduces are decoded again so templates escape exactly once.
func (t Text) clean() Text {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return ""
	}
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	return Text(strings.TrimSpace(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
