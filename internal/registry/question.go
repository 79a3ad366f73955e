// Package registry imports the team's Notion question registry into the
// canonical dataset shape.
package registry

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/pkg/notion"
)

// LoadQuestionRegistry queries the Notion question registry for all Active
// pages and maps them onto canonical dataset rows. Pages without a
// Question title are logged and skipped.
func LoadQuestionRegistry(ctx context.Context, client notion.Client, dbID string) ([]dataset.Row, error) {
	pages, err := notion.QueryActiveQuestions(ctx, client, dbID)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load question registry")
	}

	var rows []dataset.Row
	for _, p := range pages {
		row, err := parseQuestionPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed question page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func parseQuestionPage(p notionapi.Page) (dataset.Row, error) {
	row := dataset.Row{
		ID: string(p.ID),
	}

	// Question (title)
	if prop, ok := p.Properties["Question"]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			row.Question = plainText(tp.Title)
		}
	}

	// Answer (select)
	if prop, ok := p.Properties["Answer"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			row.Answer = sp.Select.Name
		}
	}

	// EvidenceQuality (select)
	if prop, ok := p.Properties["EvidenceQuality"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			row.EvidenceQuality = sp.Select.Name
		}
	}

	// Discrepancy (select)
	if prop, ok := p.Properties["Discrepancy"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			row.Discrepancy = sp.Select.Name
		}
	}

	// DOI (rich_text)
	if prop, ok := p.Properties["DOI"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			row.DOI = plainText(rtp.RichText)
		}
	}

	// Notes (rich_text)
	if prop, ok := p.Properties["Notes"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			row.Notes = plainText(rtp.RichText)
		}
	}

	if row.Question == "" {
		return row, eris.New("missing Question property")
	}

	return row, nil
}

// plainText concatenates the plain_text values from a slice of RichText.
func plainText(rts []notionapi.RichText) string {
	var s string
	for _, rt := range rts {
		s += rt.PlainText
	}
	return s
}
