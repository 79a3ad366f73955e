package dataset

import (
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/fetcher"
)

// pubmedArticle is the slice of the PubMed DTD the abstract feed reads.
// Everything else in a baseline record is ignored.
type pubmedArticle struct {
	Citation pubmedCitation    `xml:"MedlineCitation"`
	IDs      []pubmedArticleID `xml:"PubmedData>ArticleIdList>ArticleId"`
}

type pubmedCitation struct {
	PMID    string     `xml:"PMID"`
	Article pubmedBody `xml:"Article"`
}

type pubmedBody struct {
	Year        string               `xml:"Journal>JournalIssue>PubDate>Year"`
	MedlineDate string               `xml:"Journal>JournalIssue>PubDate>MedlineDate"`
	Segments    []pubmedAbstractText `xml:"Abstract>AbstractText"`
	ELocations  []pubmedELocation    `xml:"ELocationID"`
}

type pubmedAbstractText struct {
	Label string `xml:"Label,attr"`
	Text  string `xml:",chardata"`
}

type pubmedELocation struct {
	Type  string `xml:"EIdType,attr"`
	Value string `xml:",chardata"`
}

type pubmedArticleID struct {
	Type  string `xml:"IdType,attr"`
	Value string `xml:",chardata"`
}

// doi prefers the PubmedData article id list; older records only carry
// an ELocationID on the article itself.
func (a pubmedArticle) doi() string {
	for _, id := range a.IDs {
		if strings.EqualFold(id.Type, "doi") {
			return strings.TrimSpace(id.Value)
		}
	}
	for _, loc := range a.Citation.Article.ELocations {
		if strings.EqualFold(loc.Type, "doi") {
			return strings.TrimSpace(loc.Value)
		}
	}
	return ""
}

// abstract joins the AbstractText segments, keeping structured-abstract
// labels as "LABEL: text" prefixes.
func (a pubmedArticle) abstract() string {
	var parts []string
	for _, seg := range a.Citation.Article.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if label := strings.TrimSpace(seg.Label); label != "" {
			text = label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// publicationYear reads PubDate/Year, falling back to the leading year of
// a MedlineDate range like "1998 Dec-1999 Jan". Zero when absent.
func (a pubmedArticle) publicationYear() int {
	if y, err := strconv.Atoi(strings.TrimSpace(a.Citation.Article.Year)); err == nil {
		return y
	}
	md := strings.TrimSpace(a.Citation.Article.MedlineDate)
	if len(md) >= 4 {
		if y, err := strconv.Atoi(md[:4]); err == nil {
			return y
		}
	}
	return 0
}

// PubMedParams configures a baseline abstract fetch.
type PubMedParams struct {
	Host  string // FTP host, e.g. ftp.ncbi.nlm.nih.gov
	Dir   string // baseline directory, e.g. /pubmed/baseline
	Out   string // output JSONL path
	Limit int    // max baseline files to process (0 = all)
}

// PubMedResult counts what a baseline fetch produced.
type PubMedResult struct {
	Files    int `json:"files"`
	Articles int `json:"articles"`
	Written  int `json:"written"`
	Skipped  int `json:"skipped"`
}

// FetchPubMed lists the baseline directory, downloads each *.xml.gz file,
// and writes one {doi, abstract, publication_year} row per usable article.
// Articles without a DOI or an abstract are skipped and counted.
func FetchPubMed(ctx context.Context, f fetcher.Fetcher, p PubMedParams) (*PubMedResult, error) {
	log := zap.L().With(zap.String("source", "pubmed"))

	dir := p.Dir
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	dirURL := fmt.Sprintf("ftp://%s%s", p.Host, strings.TrimSuffix(dir, "/"))

	names, err := f.List(ctx, dirURL)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: list baseline directory")
	}

	// NLST output may be bare names or full paths depending on the server.
	var files []string
	for _, n := range names {
		n = path.Base(strings.TrimSpace(n))
		if strings.HasSuffix(n, ".xml.gz") {
			files = append(files, n)
		}
	}
	sort.Strings(files)
	if p.Limit > 0 && len(files) > p.Limit {
		files = files[:p.Limit]
	}
	if len(files) == 0 {
		return nil, eris.Errorf("pubmed: no *.xml.gz files under %s", dirURL)
	}

	log.Info("pubmed: baseline listing",
		zap.String("dir", dirURL),
		zap.Int("files", len(files)))

	w, err := NewJSONLWriter(p.Out)
	if err != nil {
		return nil, err
	}

	res := &PubMedResult{}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			w.f.Close()
			return nil, eris.Wrap(err, "pubmed: cancelled")
		}

		if err := fetchBaselineFile(ctx, f, dirURL+"/"+name, w, res); err != nil {
			w.f.Close()
			return nil, eris.Wrapf(err, "pubmed: process %s", name)
		}
		res.Files++

		log.Info("pubmed: baseline file done",
			zap.String("file", name),
			zap.Int("written", res.Written),
			zap.Int("skipped", res.Skipped))
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	log.Info("pubmed: fetch complete",
		zap.Int("files", res.Files),
		zap.Int("articles", res.Articles),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped))

	return res, nil
}

func fetchBaselineFile(ctx context.Context, f fetcher.Fetcher, fileURL string, w *JSONLWriter, res *PubMedResult) error {
	rc, err := f.Download(ctx, fileURL)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return eris.Wrap(err, "gunzip")
	}
	defer gz.Close()

	articleCh, errCh := fetcher.StreamXML[pubmedArticle](ctx, gz, "PubmedArticle")
	for a := range articleCh {
		res.Articles++

		row := AbstractRow{
			DOI:             a.doi(),
			Abstract:        a.abstract(),
			PublicationYear: a.publicationYear(),
		}
		if row.DOI == "" || row.Abstract == "" {
			res.Skipped++
			continue
		}

		if err := w.Write(row); err != nil {
			for range articleCh {
				// drain so the stream goroutine can exit
			}
			<-errCh
			return err
		}
		res.Written++
	}
	if err := <-errCh; err != nil {
		return eris.Wrap(err, "parse")
	}

	return nil
}
