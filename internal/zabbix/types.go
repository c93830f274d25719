package zabbix

// Item keys shared by the trapper reporter and the agent plugin.
const (
	KeyHostsLLD     = "esxipatch.hosts_lld"
	KeyHostState    = "esxipatch.host.state"
	KeyHostFailure  = "esxipatch.host.failure"
	KeyHostVersion  = "esxipatch.host.version"
	KeyHostApplied  = "esxipatch.host.applied"
	KeyHostArtifact = "esxipatch.host.artifact_index"
	KeyStats        = "esxipatch.stats"
	KeyLastRun      = "esxipatch.last_run"
)

// LLDData represents Low-Level Discovery data for Zabbix
type LLDData struct {
	Data []HostLLDEntry `json:"data"`
}

// HostLLDEntry represents a host entry for LLD
type HostLLDEntry struct {
	Address string `json:"{#H.ADDR}"`
	Name    string `json:"{#H.NAME}"`
}

// Host represents a Zabbix host
type Host struct {
	HostID     string      `json:"hostid"`
	Host       string      `json:"host"`
	Name       string      `json:"name"`
	Status     string      `json:"status,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
	Templates  []Template  `json:"parentTemplates,omitempty"`
}

// Interface represents a Zabbix host interface
type Interface struct {
	InterfaceID string `json:"interfaceid,omitempty"`
	IP          string `json:"ip"`
	DNS         string `json:"dns"`
	Port        string `json:"port"`
	Type        string `json:"type"`
	Main        string `json:"main"`
	UseIP       string `json:"useip"`
}

// HostGroup represents a Zabbix host group
type HostGroup struct {
	GroupID string `json:"groupid"`
	Name    string `json:"name"`
}

// Template represents a Zabbix template
type Template struct {
	TemplateID string `json:"templateid"`
	Host       string `json:"host"`
	Name       string `json:"name"`
}

// Item represents a Zabbix item or item prototype
type Item struct {
	ItemID string `json:"itemid"`
	HostID string `json:"hostid,omitempty"`
	Name   string `json:"name"`
	Key    string `json:"key_"`
	Value  string `json:"lastvalue,omitempty"`
}

// DiscoveryRule represents a Zabbix low-level discovery rule
type DiscoveryRule struct {
	ItemID string `json:"itemid"`
	Key    string `json:"key_"`
}

// APIResponse represents a generic Zabbix API response
type APIResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   *APIError   `json:"error,omitempty"`
	ID      int64       `json:"id"`
}

// APIError represents a Zabbix API error
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	return e.Message + ": " + e.Data
}
