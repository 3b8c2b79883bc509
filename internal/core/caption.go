package core

import (
	"fmt"
	"html"
	"strings"
)

// DefaultCaptionTemplate takes the seven result fields in ResultFields order.
const DefaultCaptionTemplate = `<b>📟 Meter reading:</b> [<code>%s</code>]
<b>⏱ Processing time:</b> %sms
<b>⚖️ Model:</b> %s
<b>🔍 Detected %s objects</b>
<b>📆 Date/Time:</b> <code>%s</code>
<b>📸 Image %s</b>
<b>💾 File name:</b> <code>%s</code>`

// Caption renders every result field into the HTML photo caption.
func Caption(res InferenceResult) string {
	return RenderCaption(DefaultCaptionTemplate, res)
}

func RenderCaption(template string, res InferenceResult) string {
	return fmt.Sprintf(template,
		html.EscapeString(res.Counter),
		html.EscapeString(res.InferenceMs.String()),
		html.EscapeString(res.ModelName),
		html.EscapeString(res.ObjectCount.String()),
		html.EscapeString(res.ProcessedAt),
		html.EscapeString(res.ImageDimensionCheck),
		html.EscapeString(res.SourceFileName),
	)
}

func ValidateCaptionTemplate(template string) error {
	if n := strings.Count(template, "%s"); n != len(ResultFields) {
		return fmt.Errorf("caption template must contain %d %%s verbs, found %d", len(ResultFields), n)
	}
	if strings.Count(template, "%") != len(ResultFields) {
		return fmt.Errorf("caption template may only contain %%s verbs")
	}
	return nil
}
