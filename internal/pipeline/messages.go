package pipeline

import (
	_ "embed"
	"fmt"
	"html"
	"os"
	"strings"

	"inference-relay/internal/core"

	"gopkg.in/yaml.v2"
)

//go:embed messages.yaml
var defaultMessagesYAML []byte

const maxBodyInReply = 512

// Messages holds the reply texts sent for each outcome.
type Messages struct {
	Info        string `yaml:"info"`
	Timeout     string `yaml:"timeout"`
	Status      string `yaml:"status"`
	Unreachable string `yaml:"unreachable"`
	Malformed   string `yaml:"malformed"`
	Decode      string `yaml:"decode"`
	Caption     string `yaml:"caption"`
}

func DefaultMessages() Messages {
	var messages Messages
	if err := yaml.Unmarshal(defaultMessagesYAML, &messages); err != nil {
		panic(fmt.Sprintf("invalid embedded messages: %v", err))
	}
	return messages
}

// ParseMessages reads a YAML catalog. Keys it omits keep their default text.
func ParseMessages(data []byte) (Messages, error) {
	messages := DefaultMessages()
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return Messages{}, fmt.Errorf("error parsing messages: %w", err)
	}
	if err := core.ValidateCaptionTemplate(messages.Caption); err != nil {
		return Messages{}, fmt.Errorf("invalid caption in messages: %w", err)
	}
	return messages, nil
}

func LoadMessages(path string) (Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Messages{}, fmt.Errorf("error reading messages file %s: %w", path, err)
	}
	return ParseMessages(data)
}

func render(template string, values ...string) string {
	pairs := make([]string, 0, len(values))
	for i := 0; i+1 < len(values); i += 2 {
		pairs = append(pairs, "{"+values[i]+"}", html.EscapeString(values[i+1]))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// FailureText returns the reply sent for a failed outcome.
func (m Messages) FailureText(endpoint string, outcome Outcome) string {
	switch o := outcome.(type) {
	case TimedOut:
		return render(m.Timeout, "endpoint", endpoint, "timeout", o.Timeout.String())
	case TransportFailed:
		if o.StatusCode == 0 {
			detail := ""
			if o.Err != nil {
				detail = o.Err.Error()
			}
			return render(m.Unreachable, "endpoint", endpoint, "error", detail)
		}
		return render(m.Status, "endpoint", endpoint, "status", fmt.Sprint(o.StatusCode), "body", truncate(o.Body, maxBodyInReply))
	case Malformed:
		return render(m.Malformed, "field", o.Field, "reason", o.Reason)
	case DecodeFailed:
		return render(m.Decode)
	default:
		return ""
	}
}

func (m Messages) InfoText(info string) string {
	return render(m.Info, "info", info)
}
