package scanner

import (
	"encoding/json"
	"encoding/xml"
	"strings"
)

// subfinderRecord is one json-line from subdomain enumeration.
type subfinderRecord struct {
	Host   string `json:"host"`
	Input  string `json:"input"`
	Source string `json:"source"`
}

// httpxRecord is one json-line from the liveness / tech-detect probe.
type httpxRecord struct {
	URL          string   `json:"url"`
	Host         string   `json:"host"`
	Port         string   `json:"port"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	WebServer    string   `json:"webserver"`
	Technologies []string `json:"tech"`
	ContentLen   int      `json:"content_length"`
	Failed       bool     `json:"failed"`
}

// nucleiRecord is one json-line finding from the template scanner.
type nucleiRecord struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name        string   `json:"name"`
		Severity    string   `json:"severity"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
		Reference   []string `json:"reference"`
		Remediation string   `json:"remediation"`
		Classification struct {
			CVEID []string `json:"cve-id"`
			CWEID []string `json:"cwe-id"`
		} `json:"classification"`
	} `json:"info"`
	Type             string `json:"type"`
	Host             string `json:"host"`
	Port             string `json:"port"`
	MatchedAt        string `json:"matched-at"`
	ExtractedResults []string `json:"extracted-results"`
	Request          string `json:"request"`
	Response         string `json:"response"`
}

// katanaRecord is one json-line from the crawler.
type katanaRecord struct {
	Request struct {
		Method   string `json:"method"`
		Endpoint string `json:"endpoint"`
	} `json:"request"`
	Response struct {
		StatusCode int `json:"status_code"`
	} `json:"response"`
}

// decodeLine unmarshals one json-line record, tolerating the banners and
// blank lines tools print around their structured output.
func decodeLine[T any](line string, dst *T) bool {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return false
	}
	return json.Unmarshal([]byte(line), dst) == nil
}

// Nmap XML output structures, the subset the port-probe stage consumes.
type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Addresses []nmapAddress  `xml:"address"`
	Hostnames []nmapHostname `xml:"hostnames>hostname"`
	Ports     []nmapPort     `xml:"ports>port"`
	Status    nmapStatus     `xml:"status"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
}

type nmapPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   int         `xml:"portid,attr"`
	State    nmapStatus  `xml:"state"`
	Service  nmapService `xml:"service"`
}

type nmapService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

// parseNmapXML decodes a full nmap -oX document.
func parseNmapXML(data []byte) (*nmapRun, error) {
	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ipv4Address returns the host's IPv4 address if present.
func (h nmapHost) ipv4Address() string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}

func (h nmapHost) hostname() string {
	if len(h.Hostnames) > 0 {
		return h.Hostnames[0].Name
	}
	return ""
}
