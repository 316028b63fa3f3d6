package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerr "github.com/soclab/argus/internal/errors"
)

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormat("assets.json"))
	assert.Equal(t, FormatNmapXML, DetectFormat("discovery.xml"))
	assert.Equal(t, FormatCSV, DetectFormat("assets.csv"))
	assert.Equal(t, FormatCSV, DetectFormat("assets"))
}

func TestImportUnknownFormat(t *testing.T) {
	_, err := Import(strings.NewReader(""), Format("yaml"))
	require.Error(t, err)
	assert.Equal(t, scanerr.KindInvalidConfig, scanerr.KindOf(err))
}

const sampleCSV = `Name,Type,Domain,IP_Address,Organization,Owner,Tags,Criticality
portal,,portal.example.com,,Acme,alice,web;external,High
db-1,,,10.20.30.40,Acme,bob,"database,internal",Medium
empty-row,,,,Acme,carol,,
portal-dup,,portal.example.com,,Acme,alice,,
`

func TestImportCSV(t *testing.T) {
	targets, err := Import(strings.NewReader(sampleCSV), FormatCSV)
	require.NoError(t, err)
	require.Len(t, targets, 2, "empty and duplicate rows are dropped")

	assert.Equal(t, "portal", targets[0].Name)
	assert.Equal(t, "domain", targets[0].Type)
	assert.Equal(t, "portal.example.com", targets[0].Domain)
	assert.Equal(t, []string{"web", "external", "criticality:high"}, targets[0].Tags)

	assert.Equal(t, "ip", targets[1].Type)
	assert.Equal(t, "10.20.30.40", targets[1].IP)
	assert.Equal(t, []string{"database", "internal", "criticality:medium"}, targets[1].Tags)
}

func TestImportCSVMissingRequiredColumns(t *testing.T) {
	_, err := Import(strings.NewReader("name,owner\nportal,alice\n"), FormatCSV)
	require.Error(t, err)
	assert.Equal(t, scanerr.KindInvalidConfig, scanerr.KindOf(err))
}

func TestImportJSONBareArray(t *testing.T) {
	payload := `[
		{"name":"portal","domain":"portal.example.com","tags":["web"]},
		{"name":"db","ip_address":"10.20.30.40"},
		{"name":"site","url":"https://shop.example.com","type":"url"},
		{"name":"blank"}
	]`
	targets, err := Import(strings.NewReader(payload), FormatJSON)
	require.NoError(t, err)
	require.Len(t, targets, 3)

	assert.Equal(t, "domain", targets[0].Type)
	assert.Equal(t, "ip", targets[1].Type)
	assert.Equal(t, "https://shop.example.com", targets[2].URL)
}

func TestImportJSONWrappedDocument(t *testing.T) {
	payload := `{"assets":[{"name":"portal","domain":"portal.example.com"}]}`
	targets, err := Import(strings.NewReader(payload), FormatJSON)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "portal.example.com", targets[0].Domain)
}

func TestImportJSONInvalid(t *testing.T) {
	_, err := Import(strings.NewReader("{not json"), FormatJSON)
	require.Error(t, err)
	assert.Equal(t, scanerr.KindInvalidConfig, scanerr.KindOf(err))
}

const sampleNmapXML = `<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="aa:bb:cc:dd:ee:ff" addrtype="mac"/>
    <hostnames><hostname name="web-1.internal"/></hostnames>
  </host>
  <host>
    <status state="down"/>
    <address addr="10.0.0.6" addrtype="ipv4"/>
  </host>
  <host>
    <status state="up"/>
    <address addr="10.0.0.7" addrtype="ipv4"/>
  </host>
</nmaprun>`

func TestImportNmap(t *testing.T) {
	targets, err := Import(strings.NewReader(sampleNmapXML), FormatNmapXML)
	require.NoError(t, err)
	require.Len(t, targets, 2, "down hosts are skipped")

	assert.Equal(t, "10.0.0.5", targets[0].IP)
	assert.Equal(t, "web-1.internal", targets[0].Domain)
	assert.Equal(t, "domain", targets[0].Type)

	assert.Equal(t, "10.0.0.7", targets[1].IP)
	assert.Equal(t, "ip", targets[1].Type)
}

func TestImportNmapInvalid(t *testing.T) {
	_, err := Import(strings.NewReader("not xml"), FormatNmapXML)
	require.Error(t, err)
	assert.Equal(t, scanerr.KindInvalidConfig, scanerr.KindOf(err))
}
