package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ExtractionResult is what an Extractor returns for one file.
type ExtractionResult struct {
	Success      bool
	PlainText    string
	Markdown     string
	Engine       string
	Metadata     map[string]any
	ErrorMessage string
}

// ResultRecord is the persisted outcome of extracting a single file.
type ResultRecord struct {
	ImageUrl              string         `json:"ImageUrl"`
	Engine                string         `json:"Engine"`
	ProcessingTimeSeconds float64        `json:"ProcessingTimeSeconds"`
	PlainText             string         `json:"PlainText"`
	Markdown              string         `json:"Markdown"`
	Metadata              map[string]any `json:"Metadata"`
	Fingerprint           string         `json:"Fingerprint,omitempty"`
}

// MergedResultRecord is the persisted outcome of a pair. The embedded record
// describes the primary member, or the continuation if only it succeeded.
type MergedResultRecord struct {
	ResultRecord
	MergedPlainText string   `json:"MergedPlainText"`
	MergedMarkdown  string   `json:"MergedMarkdown"`
	MergedEngines   []string `json:"MergedEngines"`
	Members         []string `json:"Members"`
}

// Merge combines the successful member records of a pair in order. Text is
// concatenated and tagged with each member's source file name.
func Merge(parts []ResultRecord, fingerprint string) MergedResultRecord {
	out := MergedResultRecord{MergedEngines: []string{}, Members: []string{}}
	if len(parts) == 0 {
		return out
	}
	out.ResultRecord = parts[0]
	out.Fingerprint = fingerprint
	var plain, md strings.Builder
	var total float64
	for i, p := range parts {
		name := filepath.Base(p.ImageUrl)
		if i > 0 {
			plain.WriteString("\n\n")
			md.WriteString("\n\n")
		}
		fmt.Fprintf(&plain, "--- %s ---\n%s", name, p.PlainText)
		fmt.Fprintf(&md, "# %s\n\n%s", name, p.Markdown)
		out.MergedEngines = append(out.MergedEngines, p.Engine)
		out.Members = append(out.Members, name)
		total += p.ProcessingTimeSeconds
	}
	out.ProcessingTimeSeconds = total
	out.MergedPlainText = plain.String()
	out.MergedMarkdown = md.String()
	return out
}
