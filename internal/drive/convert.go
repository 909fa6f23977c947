package drive

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const blockSelector = "p, li, h1, h2, h3, h4, h5, h6, td, th"

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// htmlToContent flattens an exported Google Doc. Each innermost block
// element becomes one line; mailto links and inline addresses are collected.
func htmlToContent(body []byte) (domain.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.Content{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, head").Remove()

	var lines []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		line := strings.Join(strings.Fields(s.Text()), " ")
		if line == "" {
			return
		}
		if goquery.NodeName(s) == "li" {
			line = "- " + line
		}
		lines = append(lines, line)
	})
	if len(lines) == 0 {
		if text := strings.TrimSpace(doc.Find("body").Text()); text != "" {
			lines = append(lines, text)
		}
	}

	emails := newEmailSet()
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		emails.add(addr)
	})

	text := strings.Join(lines, "\n")
	for _, addr := range emailPattern.FindAllString(text, -1) {
		emails.add(addr)
	}
	return domain.Content{Text: text, Emails: emails.list}, nil
}

// docxToContent reads the paragraphs of word/document.xml.
func docxToContent(body []byte) (domain.Content, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return domain.Content{}, fmt.Errorf("open docx: %w", err)
	}

	var f *zip.File
	for _, zf := range zr.File {
		if zf.Name == "word/document.xml" {
			f = zf
			break
		}
	}
	if f == nil {
		return domain.Content{}, fmt.Errorf("docx has no word/document.xml")
	}

	rc, err := f.Open()
	if err != nil {
		return domain.Content{}, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return domain.Content{}, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}

	var lines []string
	for _, l := range strings.Split(sb.String(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	text := strings.Join(lines, "\n")

	emails := newEmailSet()
	for _, addr := range emailPattern.FindAllString(text, -1) {
		emails.add(addr)
	}
	return domain.Content{Text: text, Emails: emails.list}, nil
}

type emailSet struct {
	seen map[string]bool
	list []string
}

func newEmailSet() *emailSet {
	return &emailSet{seen: make(map[string]bool)}
}

func (e *emailSet) add(addr string) {
	addr = strings.TrimSpace(addr)
	key := strings.ToLower(addr)
	if addr == "" || e.seen[key] {
		return
	}
	e.seen[key] = true
	e.list = append(e.list, addr)
}
