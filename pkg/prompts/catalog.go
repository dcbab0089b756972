// Package prompts renders the prompt templates used by the turn pipeline.
package prompts

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
)

//go:embed cbt_doc.md
var embeddedDoc string

// Catalog renders prompts. The only state is the CBT reference document,
// read once on first use of FinalResponse.
type Catalog struct {
	docPath string
	cbt     *cbt.Catalog

	docOnce sync.Once
	doc     string
}

// NewCatalog returns a catalog reading the reference document from docPath.
// An empty or unreadable path falls back to the embedded document.
func NewCatalog(docPath string) *Catalog {
	return &Catalog{docPath: docPath, cbt: cbt.Default()}
}

// Doc returns the CBT reference document, loading it on first call.
func (c *Catalog) Doc() string {
	c.docOnce.Do(func() {
		c.doc = embeddedDoc
		if c.docPath == "" {
			return
		}
		data, err := os.ReadFile(c.docPath)
		if err != nil {
			logger.WarnCF("prompts", "CBT document unreadable, using embedded copy", map[string]interface{}{
				"path":  c.docPath,
				"error": err.Error(),
			})
			return
		}
		c.doc = string(data)
	})
	return c.doc
}

func quotedList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return strings.Join(quoted, ", ")
}

func bulletList(lines []string) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString("- ")
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return cbt.None
	}
	return s
}
