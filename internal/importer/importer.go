// Package importer converts asset inventories into scan targets. Three
// formats are accepted: asset CSV exports, JSON asset lists and nmap XML
// host discovery output.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog/log"

	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
)

// Format identifies an import payload encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatNmapXML Format = "nmap"
)

const maxTargets = 10000

// Import parses r in the given format and returns deduplicated targets.
func Import(r io.Reader, format Format) ([]models.Target, error) {
	var (
		targets []models.Target
		err     error
	)
	switch format {
	case FormatCSV:
		targets, err = parseCSV(r)
	case FormatJSON:
		targets, err = parseJSON(r)
	case FormatNmapXML:
		targets, err = parseNmap(r)
	default:
		return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "unknown import format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(targets), nil
}

// DetectFormat guesses the format from a filename extension, defaulting
// to CSV.
func DetectFormat(filename string) Format {
	switch {
	case strings.HasSuffix(filename, ".json"):
		return FormatJSON
	case strings.HasSuffix(filename, ".xml"):
		return FormatNmapXML
	default:
		return FormatCSV
	}
}

// csvColumns is the expected header of an asset CSV export.
var csvColumns = []string{"name", "type", "domain", "ip_address", "organization", "owner", "tags", "criticality"}

func parseCSV(r io.Reader) ([]models.Target, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "failed to read CSV header: %v", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["domain"]; !ok {
		if _, ok := col["ip_address"]; !ok {
			return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "CSV header needs a domain or ip_address column, expected %s", strings.Join(csvColumns, ","))
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []models.Target
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping malformed CSV row")
			continue
		}
		t := models.Target{
			Name:   field(row, "name"),
			Domain: field(row, "domain"),
			IP:     field(row, "ip_address"),
		}
		if tags := field(row, "tags"); tags != "" {
			t.Tags = splitTags(tags)
		}
		if crit := field(row, "criticality"); crit != "" {
			t.Tags = append(t.Tags, "criticality:"+strings.ToLower(crit))
		}
		t.Type = inferType(t)
		if t.Value() == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= maxTargets {
			break
		}
	}
	return out, nil
}

// jsonAsset mirrors the accepted JSON asset shape.
type jsonAsset struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Domain    string   `json:"domain"`
	IPAddress string   `json:"ip_address"`
	URL       string   `json:"url"`
	Tags      []string `json:"tags"`
}

func parseJSON(r io.Reader) ([]models.Target, error) {
	data, err := io.ReadAll(io.LimitReader(r, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read import payload: %w", err)
	}

	var assets []jsonAsset
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Assets []jsonAsset `json:"assets"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "invalid JSON asset document: %v", err)
		}
		assets = wrapper.Assets
	} else {
		if err := json.Unmarshal(data, &assets); err != nil {
			return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "invalid JSON asset list: %v", err)
		}
	}

	out := make([]models.Target, 0, len(assets))
	for _, a := range assets {
		t := models.Target{
			Name:   a.Name,
			Type:   a.Type,
			Domain: a.Domain,
			IP:     a.IPAddress,
			URL:    a.URL,
			Tags:   a.Tags,
		}
		if t.Type == "" {
			t.Type = inferType(t)
		}
		if t.Value() == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= maxTargets {
			break
		}
	}
	return out, nil
}

// Minimal nmap XML shape for host import.
type nmapDoc struct {
	XMLName xml.Name `xml:"nmaprun"`
	Hosts   []struct {
		Status struct {
			State string `xml:"state,attr"`
		} `xml:"status"`
		Addresses []struct {
			Addr     string `xml:"addr,attr"`
			AddrType string `xml:"addrtype,attr"`
		} `xml:"address"`
		Hostnames []struct {
			Name string `xml:"name,attr"`
		} `xml:"hostnames>hostname"`
	} `xml:"host"`
}

func parseNmap(r io.Reader) ([]models.Target, error) {
	data, err := io.ReadAll(io.LimitReader(r, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read import payload: %w", err)
	}
	var doc nmapDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, scanerr.Newf(scanerr.KindInvalidConfig, "import", "invalid nmap XML: %v", err)
	}

	var out []models.Target
	for _, h := range doc.Hosts {
		if h.Status.State != "" && h.Status.State != "up" {
			continue
		}
		t := models.Target{}
		for _, a := range h.Addresses {
			if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
				t.IP = a.Addr
				break
			}
		}
		if len(h.Hostnames) > 0 {
			t.Domain = h.Hostnames[0].Name
			t.Name = t.Domain
		}
		t.Type = inferType(t)
		if t.Value() == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= maxTargets {
			break
		}
	}
	return out, nil
}

func inferType(t models.Target) string {
	switch {
	case t.URL != "":
		return "url"
	case t.Domain != "":
		return "domain"
	case t.IP != "" && net.ParseIP(t.IP) != nil:
		return "ip"
	default:
		return ""
	}
}

func splitTags(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(targets []models.Target) []models.Target {
	seen := map[string]bool{}
	out := make([]models.Target, 0, len(targets))
	for _, t := range targets {
		key := t.Value()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
