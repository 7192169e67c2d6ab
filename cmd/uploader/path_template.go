package uploader

import (
	"strings"
	"time"
)

// PathTemplate generates object keys from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values
// Supports: {observer}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(observer string, timestamp time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{observer}", observer)

	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return strings.Trim(result, "/")
}

// Key joins the generated prefix and a filename into an object key
func (pt *PathTemplate) Key(observer string, timestamp time.Time, filename string) string {
	prefix := pt.Generate(observer, timestamp)
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}
