package enrich

import (
	"strings"
)

// Technique is one adversary-technique record from the static catalog.
type Technique struct {
	ID          string   `json:"technique_id"`
	Name        string   `json:"technique_name"`
	Tactics     []string `json:"tactics"`
	Description string   `json:"description"`
	Detection   string   `json:"detection"`
	Mitigation  string   `json:"mitigation"`
}

// URL returns the public reference page for the technique.
func (t Technique) URL() string {
	return "https://attack.mitre.org/techniques/" + strings.ReplaceAll(t.ID, ".", "/")
}

var techniques = map[string]Technique{
	"T1552.001": {
		ID:          "T1552.001",
		Name:        "Unsecured Credentials: Credentials In Files",
		Tactics:     []string{"Credential Access"},
		Description: "Adversaries may search local file systems and remote file shares for files containing insecurely stored credentials.",
		Detection:   "Monitor for access to files and repositories that store credentials.",
		Mitigation:  "Remove credentials from code repositories. Use secure credential storage.",
	},
	"T1552.004": {
		ID:          "T1552.004",
		Name:        "Unsecured Credentials: Private Keys",
		Tactics:     []string{"Credential Access"},
		Description: "Adversaries may search for private key certificate files on compromised systems.",
		Detection:   "Monitor for access to private keys and SSH keys in repositories.",
		Mitigation:  "Secure private keys with encryption and access controls.",
	},
	"T1589.002": {
		ID:          "T1589.002",
		Name:        "Gather Victim Identity Information: Email Addresses",
		Tactics:     []string{"Reconnaissance"},
		Description: "Adversaries may gather email addresses that can be used to target individuals.",
		Detection:   "Monitor for suspicious WHOIS queries and data harvesting.",
		Mitigation:  "Limit publicly available email addresses.",
	},
	"T1594": {
		ID:          "T1594",
		Name:        "Search Victim-Owned Websites",
		Tactics:     []string{"Reconnaissance"},
		Description: "Adversaries may search websites owned by the victim for information.",
		Detection:   "Monitor for reconnaissance activity on company domains.",
		Mitigation:  "Minimize information disclosure on public websites.",
	},
	"T1596.002": {
		ID:          "T1596.002",
		Name:        "Search Open Technical Databases: WHOIS",
		Tactics:     []string{"Reconnaissance"},
		Description: "Adversaries may search WHOIS data for information about victims.",
		Detection:   "Monitor for unusual WHOIS query patterns.",
		Mitigation:  "Consider WHOIS privacy protection services.",
	},
	"T1583.001": {
		ID:          "T1583.001",
		Name:        "Acquire Infrastructure: Domains",
		Tactics:     []string{"Resource Development"},
		Description: "Adversaries may acquire domains that can be used during targeting.",
		Detection:   "Monitor for registration of domains similar to your brand.",
		Mitigation:  "Proactive domain monitoring and takedowns.",
	},
	"T1071": {
		ID:          "T1071",
		Name:        "Application Layer Protocol",
		Tactics:     []string{"Command and Control"},
		Description: "Adversaries may communicate using application layer protocols to blend in with existing traffic.",
		Detection:   "Monitor outbound connections for unexpected destinations.",
		Mitigation:  "Restrict egress traffic with network policy.",
	},
	"T1071.001": {
		ID:          "T1071.001",
		Name:        "Application Layer Protocol: Web Protocols",
		Tactics:     []string{"Command and Control"},
		Description: "Adversaries may communicate over HTTP/HTTPS to blend command traffic with normal web activity.",
		Detection:   "Monitor established connections to unusual geographic regions.",
		Mitigation:  "Block traffic to known-bad infrastructure; alert on anomalous destinations.",
	},
	"T1059": {
		ID:          "T1059",
		Name:        "Command and Scripting Interpreter",
		Tactics:     []string{"Execution"},
		Description: "Adversaries may abuse command and script interpreters to execute commands.",
		Detection:   "Alert on shells spawned by server processes.",
		Mitigation:  "Restrict interpreter access on production hosts.",
	},
	"T1496": {
		ID:          "T1496",
		Name:        "Resource Hijacking",
		Tactics:     []string{"Impact"},
		Description: "Adversaries may leverage compromised systems for resource-intensive tasks such as crypto mining.",
		Detection:   "Alert on sustained CPU well above the host baseline.",
		Mitigation:  "Investigate and terminate the offending process; rebuild if compromised.",
	},
}

var findingMappings = map[string]string{
	// Leak keywords.
	"password":     "T1552.001",
	"api_key":      "T1552.001",
	"apikey":       "T1552.001",
	"secret":       "T1552.001",
	"secret_key":   "T1552.001",
	"token":        "T1552.001",
	"access_token": "T1552.001",
	"credentials":  "T1552.001",
	"private_key":  "T1552.004",
	"ssh_key":      "T1552.004",
	"email":        "T1589.002",

	// Domain findings.
	"typosquat":       "T1583.001",
	"phishing_domain": "T1583.001",
	"brand_abuse":     "T1583.001",

	// Reconnaissance.
	"whois_exposure": "T1596.002",
	"subdomain_enum": "T1594",

	// Guard anomalies.
	"geo":      "T1071.001",
	"process":  "T1059",
	"resource": "T1496",
}

// MapContext carries the clues the mapper may use when the finding kind
// alone is ambiguous.
type MapContext struct {
	FilePath string
	RepoURL  string
	Domain   string
}

// MapTechnique resolves a finding kind to a technique record. Context
// overrides come first: a key-material file path always routes to the
// private-key technique regardless of the search keyword that found it.
func MapTechnique(kind string, ctx MapContext) (Technique, bool) {
	if id := mapFromContext(ctx); id != "" {
		return techniques[id], true
	}
	if id, ok := findingMappings[strings.ToLower(kind)]; ok {
		return techniques[id], true
	}
	return Technique{}, false
}

func mapFromContext(ctx MapContext) string {
	if p := strings.ToLower(ctx.FilePath); p != "" {
		for _, ext := range []string{".pem", ".key", ".ssh"} {
			if strings.Contains(p, ext) {
				return "T1552.004"
			}
		}
		for _, name := range []string{".env", "config", "credentials"} {
			if strings.Contains(p, name) {
				return "T1552.001"
			}
		}
	}
	if ctx.Domain != "" {
		return "T1583.001"
	}
	return ""
}

// TechniqueByID exposes the catalog for alert rendering.
func TechniqueByID(id string) (Technique, bool) {
	t, ok := techniques[id]
	return t, ok
}
