package fetcher

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	XMLName xml.Name `xml:"item"`
	Name    string   `xml:"name"`
	Value   int      `xml:"value"`
}

func TestStreamXML_SimpleElements(t *testing.T) {
	input := `<root>
		<item><name>alpha</name><value>1</value></item>
		<item><name>beta</name><value>2</value></item>
		<item><name>gamma</name><value>3</value></item>
	</root>`

	itemCh, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	var items []testItem
	for item := range itemCh {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, items, 3)
	assert.Equal(t, "alpha", items[0].Name)
	assert.Equal(t, 1, items[0].Value)
	assert.Equal(t, "beta", items[1].Name)
	assert.Equal(t, 2, items[1].Value)
	assert.Equal(t, "gamma", items[2].Name)
	assert.Equal(t, 3, items[2].Value)
}

type testNested struct {
	XMLName xml.Name `xml:"record"`
	ID      string   `xml:"id,attr"`
	Detail  struct {
		Text string `xml:",chardata"`
	} `xml:"detail"`
}

func TestStreamXML_NestedElements(t *testing.T) {
	input := `<data>
		<record id="r1"><detail>first</detail></record>
		<other>skip me</other>
		<record id="r2"><detail>second</detail></record>
	</data>`

	ch, errCh := StreamXML[testNested](context.Background(), strings.NewReader(input), "record")

	var records []testNested
	for rec := range ch {
		records = append(records, rec)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "first", records[0].Detail.Text)
	assert.Equal(t, "r2", records[1].ID)
	assert.Equal(t, "second", records[1].Detail.Text)
}

func TestStreamXML_Latin1Charset(t *testing.T) {
	// 0xE9 is é in ISO-8859-1; the decoder must consult the declared
	// encoding, not assume UTF-8.
	input := append([]byte(`<?xml version="1.0" encoding="ISO-8859-1"?><root><item><name>caf`), 0xE9)
	input = append(input, []byte(`</name><value>1</value></item></root>`)...)

	ch, errCh := StreamXML[testItem](context.Background(), bytes.NewReader(input), "item")

	var items []testItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, items, 1)
	assert.Equal(t, "café", items[0].Name)
}

func TestStreamXML_UnsupportedCharset(t *testing.T) {
	input := `<?xml version="1.0" encoding="NOT-A-CHARSET"?><root><item><name>a</name></item></root>`
	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	for range ch {
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "unsupported charset")
}

func TestStreamXML_EmptyInput(t *testing.T) {
	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(""), "item")

	var items []testItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Empty(t, items)
}

func TestStreamXML_NoMatchingElements(t *testing.T) {
	input := `<root><other>data</other></root>`
	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	var items []testItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Empty(t, items)
}

func TestStreamXML_MixedElements(t *testing.T) {
	// XML with multiple element types, only matching ones should be returned
	input := `<data>
		<skip>ignored</skip>
		<item><name>first</name><value>1</value></item>
		<other>also ignored</other>
		<item><name>second</name><value>2</value></item>
		<item><name>third</name><value>3</value></item>
	</data>`

	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	var items []testItem
	for item := range ch {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, items, 3)
	assert.Equal(t, "first", items[0].Name)
	assert.Equal(t, "second", items[1].Name)
	assert.Equal(t, "third", items[2].Name)
}

func TestStreamXML_DecodeElementError(t *testing.T) {
	// Type mismatch: value field expects int but gets non-numeric
	type strictItem struct {
		XMLName xml.Name `xml:"item"`
		Name    string   `xml:"name"`
		Value   int      `xml:"value"`
	}

	input := `<root><item><name>ok</name><value>not_a_number</value></item></root>`
	ch, errCh := StreamXML[strictItem](context.Background(), strings.NewReader(input), "item")

	var items []strictItem
	for item := range ch {
		items = append(items, item)
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "xml: decode element")
	assert.Empty(t, items)
}

func TestStreamXML_InvalidXMLSyntax(t *testing.T) {
	// Completely broken XML that triggers a token or decode error
	input := `<root><item><unclosed`
	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	for range ch {
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}

	require.Error(t, gotErr)
	// May be either a token read error or a decode element error depending on where the parser is
	assert.Contains(t, gotErr.Error(), "xml:")
}

func TestStreamXML_BrokenTokenOnly(t *testing.T) {
	// XML with invalid character that triggers a token read error before any element matching
	input := "\x00"
	ch, errCh := StreamXML[testItem](context.Background(), strings.NewReader(input), "item")

	for range ch {
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "xml: read token")
}

func TestStreamXML_ContextCancellation(t *testing.T) {
	// Build a large XML document
	var sb strings.Builder
	sb.WriteString("<root>")
	for i := range 10000 {
		sb.WriteString("<item><name>item</name><value>")
		sb.WriteString(strings.Repeat("x", i%10))
		sb.WriteString("</value></item>")
	}
	sb.WriteString("</root>")

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	ch, errCh := StreamXML[testItem](ctx, strings.NewReader(sb.String()), "item")

	for range ch {
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context")
	}
}

func TestStreamXML_ContextCancelDuringSend(t *testing.T) {
	// Build a large XML document
	var sb strings.Builder
	sb.WriteString("<root>")
	for range 500 {
		sb.WriteString("<item><name>test</name><value>1</value></item>")
	}
	sb.WriteString("</root>")

	ctx, cancel := context.WithCancel(context.Background())
	ch, errCh := StreamXML[testItem](ctx, strings.NewReader(sb.String()), "item")

	// Read one item, then cancel
	<-ch
	cancel()

	// Drain
	for range ch {
	}
	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context")
	}
}
