package article

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Table),
	)
	stripPolicy = bluemonday.StrictPolicy()
)

// PlainText 将 Markdown 渲染后去掉全部标签，得到适合送入模型的纯文本。
// 渲染失败时退回原始 Markdown。
func PlainText(markdown string) string {
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(markdown), &buf); err != nil {
		return collapseWhitespace(markdown)
	}

	// 块级标签之间补换行，避免段落粘连
	rendered := strings.NewReplacer(
		"</p>", "</p>\n",
		"</li>", "</li>\n",
		"</h1>", "</h1>\n",
		"</h2>", "</h2>\n",
		"</h3>", "</h3>\n",
		"</pre>", "</pre>\n",
		"<br>", "\n",
		"<br />", "\n",
	).Replace(buf.String())

	stripped := stripPolicy.Sanitize(rendered)
	return collapseWhitespace(html.UnescapeString(stripped))
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.Join(strings.Fields(line), " "); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
