package house

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// imageSpec is the JSON form a house creative may use instead of raw markup.
type imageSpec struct {
	Image  string         `json:"image"`
	Alt    string         `json:"alt"`
	Images []imageVariant `json:"images"`
}

type imageVariant struct {
	URL   string `json:"url"`
	Width int    `json:"width"`
}

func isImageSpec(markup string) bool {
	return strings.HasPrefix(strings.TrimSpace(markup), "{")
}

// composeImageMarkup turns an image spec into an <img> tag, wrapped in a link
// when click is set. It returns "" when the spec has no usable image.
func composeImageMarkup(spec string, width, height int, click string) string {
	var img imageSpec
	if err := json.Unmarshal([]byte(spec), &img); err != nil {
		return ""
	}

	src := img.Image
	if src == "" && len(img.Images) > 0 {
		src = img.Images[0].URL
	}
	if src == "" {
		return ""
	}

	alt := img.Alt
	if alt == "" {
		alt = "Advertisement"
	}
	attrs := []string{
		fmt.Sprintf(`src="%s"`, html.EscapeString(src)),
		fmt.Sprintf(`alt="%s"`, html.EscapeString(alt)),
	}
	var srcset []string
	for _, v := range img.Images {
		if v.URL != "" && v.Width > 0 {
			srcset = append(srcset, fmt.Sprintf("%s %dw", html.EscapeString(v.URL), v.Width))
		}
	}
	if len(srcset) > 0 {
		attrs = append(attrs, fmt.Sprintf(`srcset="%s"`, strings.Join(srcset, ", ")))
	}
	if width > 0 && height > 0 {
		attrs = append(attrs, fmt.Sprintf(`width="%d" height="%d"`, width, height))
	}
	attrs = append(attrs, `style="max-width:100%;max-height:100%;display:block;"`)

	tag := "<img " + strings.Join(attrs, " ") + ">"
	if click == "" {
		return tag
	}
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(click), tag)
}
