package types

// EndpointRecord is one exposed host identity returned by discovery. Ports and
// Flags hold one entry per observed service.
type EndpointRecord struct {
	IP       string   `json:"ip" yaml:"ip"`
	Date     string   `json:"date" yaml:"date"`
	ASN      int64    `json:"asn" yaml:"asn"`
	DNSNames []string `json:"dns_name" yaml:"dns_name"`
	Ports    []int    `json:"port" yaml:"port"`
	Flags    []bool   `json:"pep_link" yaml:"pep_link"`
}

// ExposedService is an endpoint joined with its traceroute summary.
type ExposedService struct {
	IP                   string   `json:"ip"`
	Date                 string   `json:"date"`
	ASN                  int64    `json:"asn"`
	DNSNames             []string `json:"dns_name"`
	Ports                []int    `json:"port"`
	Flags                []bool   `json:"pep_link"`
	StopReason           string   `json:"stop_reason"`
	HopCount             *float64 `json:"hop_count"`
	SecondLastHopAddress *string  `json:"sec_last_ip"`
	SecondLastHopDepth   *float64 `json:"sec_last_hop"`
}
