package opscope

import (
	"log"
	"regexp"
	"strconv"
	"time"
)

const SERVICE_CONFIDENCE float64 = 0.9

// DetectedService is one recognized service or technology
// signature. Re-detection overwrites by name, never
// duplicates.
type DetectedService struct {
	Name       string  `json:"name"`
	Port       int     `json:"port,omitempty"`
	Version    string  `json:"version,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Recommendation is a tool-specific next step for a detected
// service.
type Recommendation struct {
	Service     string   `json:"service"`
	Category    string   `json:"category"`
	Commands    []string `json:"commands"`
	Description string   `json:"description"`
}

// PathProgressSignal marks a methodology stage as detected in
// a block of output.
type PathProgressSignal struct {
	PathID      string `json:"path_id"`
	StepID      string `json:"step_id"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

type AnalysisResult struct {
	Services        []DetectedService    `json:"services"`
	Recommendations []Recommendation     `json:"recommendations"`
	PathProgress    []PathProgressSignal `json:"path_progress"`
}

type serviceSignature struct {
	name    string
	pattern *regexp.Regexp
}

// One signature per service. Named groups port and version
// feed the detected entry when they match.
var serviceSignatures = []serviceSignature{
	{"ssh", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+ssh|OpenSSH[_ ](?P<version>[0-9][\w.+~-]*)`)},
	{"ftp", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+ftp|vsftpd\s+(?P<version>[\d.]+)|ProFTPD`)},
	{"telnet", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+telnet`)},
	{"smtp", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+smtp|Postfix smtpd|Exim\s+(?P<version>[\d.]+)`)},
	{"dns", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/(?:tcp|udp)\s+open\s+domain|ISC BIND\s+(?P<version>[\d.]+)`)},
	{"http", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+(?:http|http-proxy)\b`)},
	{"apache", regexp.MustCompile(`(?i)Apache(?: httpd)?/(?P<version>[\d.]+)`)},
	{"nginx", regexp.MustCompile(`(?i)nginx(?:/(?P<version>[\d.]+))?`)},
	{"iis", regexp.MustCompile(`(?i)Microsoft-IIS(?:/(?P<version>[\d.]+))?`)},
	{"tomcat", regexp.MustCompile(`(?i)Apache Tomcat(?:/(?P<version>[\d.]+))?`)},
	{"wordpress", regexp.MustCompile(`(?i)WordPress(?:\s+(?P<version>[\d.]+))?|wp-content`)},
	{"kerberos", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+kerberos-sec|MIT Kerberos`)},
	{"ldap", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+ldap|Active Directory LDAP`)},
	{"smb", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+(?:microsoft-ds|netbios-ssn)|Samba\s+smbd\s+(?P<version>[\d.]+)`)},
	{"mysql", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+mysql|MySQL\s+(?P<version>[\d.]+)`)},
	{"postgresql", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+postgresql|PostgreSQL\s+DB\s+(?P<version>[\d.]+)?`)},
	{"rdp", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+ms-wbt-server|Microsoft Terminal Services`)},
	{"winrm", regexp.MustCompile(`(?i)(?P<port>598[56])/tcp\s+open\s+|Microsoft HTTPAPI httpd`)},
	{"vnc", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+vnc|VNC \(protocol`)},
	{"redis", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+redis|Redis key-value store(?:\s+(?P<version>[\d.]+))?`)},
	{"mongodb", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+mongodb|MongoDB\s+(?P<version>[\d.]+)`)},
	{"nfs", regexp.MustCompile(`(?i)(?P<port>\d{1,5})/tcp\s+open\s+nfs|nfs_acl`)},
}

// DetectServices scans text against every signature. Each
// matching name yields exactly one entry regardless of how
// often it matches; port and version come from the first
// match that captured them.
func DetectServices(text string) []DetectedService {
	var detected []DetectedService
	for _, signature := range serviceSignatures {
		matches := signature.pattern.FindAllStringSubmatch(text, -1)
		if matches == nil {
			continue
		}
		service := DetectedService{Name: signature.name, Confidence: SERVICE_CONFIDENCE}
		names := signature.pattern.SubexpNames()
		for _, match := range matches {
			for index, groupName := range names {
				if index == 0 || match[index] == "" {
					continue
				}
				switch groupName {
				case "port":
					if service.Port == 0 {
						if port, err := strconv.Atoi(match[index]); err == nil {
							service.Port = port
						}
					}
				case "version":
					if service.Version == "" {
						service.Version = match[index]
					}
				}
			}
		}
		detected = append(detected, service)
	}
	return detected
}

type recommendationEntry struct {
	category    string
	commands    []string
	description string
}

// Static lookup keyed by detected service name. Services
// without an entry contribute nothing.
var recommendationTable = map[string][]recommendationEntry{
	"ssh": {
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt ssh://TARGET", "nc TARGET 22"}, "Try credential attacks against SSH and grab the banner."},
		{"Enumeration", []string{"ssh-audit TARGET"}, "Audit key exchange and cipher configuration."},
	},
	"ftp": {
		{"Enumeration", []string{"ftp TARGET", "nmap --script ftp-anon -p21 TARGET"}, "Check for anonymous login and writable directories."},
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt ftp://TARGET"}, "Try credential attacks against FTP."},
	},
	"telnet": {
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt telnet://TARGET"}, "Telnet rarely enforces lockouts; try default credentials."},
	},
	"smtp": {
		{"Enumeration", []string{"smtp-user-enum -M VRFY -U users.txt -t TARGET", "nmap --script smtp-commands -p25 TARGET"}, "Enumerate valid users via VRFY/EXPN/RCPT."},
	},
	"dns": {
		{"Enumeration", []string{"dig axfr @TARGET DOMAIN", "dnsenum DOMAIN"}, "Attempt zone transfer and subdomain discovery."},
	},
	"http": {
		{"Directory Enumeration", []string{"gobuster dir -u http://TARGET -w /usr/share/wordlists/dirb/common.txt", "ffuf -u http://TARGET/FUZZ -w wordlist.txt"}, "Brute force paths and virtual hosts."},
		{"Vulnerability Scan", []string{"nikto -h http://TARGET"}, "Baseline web server misconfiguration scan."},
	},
	"apache": {
		{"Vulnerability Scan", []string{"nikto -h http://TARGET", "searchsploit apache VERSION"}, "Check the Apache version against known issues."},
	},
	"nginx": {
		{"Vulnerability Scan", []string{"nikto -h http://TARGET", "searchsploit nginx VERSION"}, "Check the nginx version against known issues."},
	},
	"iis": {
		{"Vulnerability Scan", []string{"searchsploit iis VERSION", "gobuster dir -u http://TARGET -w /usr/share/wordlists/dirb/common.txt -x asp,aspx"}, "IIS-specific extensions and known CVEs."},
	},
	"tomcat": {
		{"Exploitation", []string{"hydra -L users.txt -P passwords.txt TARGET http-get /manager/html", "msfconsole -q -x 'use exploit/multi/http/tomcat_mgr_upload'"}, "Manager application default credentials and WAR deployment."},
	},
	"wordpress": {
		{"Enumeration", []string{"wpscan --url http://TARGET --enumerate u,p"}, "Enumerate users, plugins, and themes."},
		{"Brute Force", []string{"wpscan --url http://TARGET -U users.txt -P passwords.txt"}, "Try credential attacks against wp-login."},
	},
	"kerberos": {
		{"Enumeration", []string{"kerbrute userenum -d DOMAIN --dc TARGET users.txt", "impacket-GetNPUsers DOMAIN/ -usersfile users.txt -dc-ip TARGET"}, "User enumeration and AS-REP roasting."},
	},
	"ldap": {
		{"Enumeration", []string{"ldapsearch -x -H ldap://TARGET -b \"dc=DOMAIN,dc=TLD\"", "nmap --script ldap-rootdse -p389 TARGET"}, "Anonymous bind and naming context discovery."},
	},
	"smb": {
		{"Enumeration", []string{"enum4linux -a TARGET", "smbclient -L //TARGET -N", "smbmap -H TARGET"}, "Null sessions, share listing, and user enumeration."},
	},
	"mysql": {
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt mysql://TARGET", "mysql -h TARGET -u root -p"}, "Default and weak credential checks."},
	},
	"postgresql": {
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt postgres://TARGET", "psql -h TARGET -U postgres"}, "Default and weak credential checks."},
	},
	"rdp": {
		{"Brute Force", []string{"hydra -L users.txt -P passwords.txt rdp://TARGET", "xfreerdp /v:TARGET /u:USER /p:PASS"}, "Credential attacks and session hijacking checks."},
	},
	"winrm": {
		{"Lateral Movement", []string{"evil-winrm -i TARGET -u USER -p PASS"}, "Remote shell once credentials are known."},
	},
	"vnc": {
		{"Brute Force", []string{"hydra -P passwords.txt vnc://TARGET"}, "VNC password attacks."},
	},
	"redis": {
		{"Exploitation", []string{"redis-cli -h TARGET", "redis-cli -h TARGET config get dir"}, "Unauthenticated access and file-write primitives."},
	},
	"mongodb": {
		{"Enumeration", []string{"mongosh --host TARGET --eval 'db.adminCommand(\"listDatabases\")'"}, "Unauthenticated database listing."},
	},
	"nfs": {
		{"Enumeration", []string{"showmount -e TARGET", "mount -t nfs TARGET:/share /mnt"}, "Exported share discovery and mounting."},
	},
}

// Recommend looks each service up in the static table.
// Output order follows the input service order.
func Recommend(services []DetectedService) []Recommendation {
	var recommendations []Recommendation
	for _, service := range services {
		for _, entry := range recommendationTable[service.Name] {
			recommendations = append(recommendations, Recommendation{
				Service:     service.Name,
				Category:    entry.category,
				Commands:    entry.commands,
				Description: entry.description,
			})
		}
	}
	return recommendations
}

type stageSignature struct {
	pathID      string
	stepID      string
	description string
	patterns    []*regexp.Regexp
}

// One group per methodology stage. The first pattern in a
// group that matches marks the stage detected; at most one
// signal per stage per call.
var stageSignatures = []stageSignature{
	{"enumeration", "port-scan", "Port scan output observed", []*regexp.Regexp{
		regexp.MustCompile(`Nmap scan report`),
		regexp.MustCompile(`\d{1,5}/tcp\s+open`),
		regexp.MustCompile(`(?i)masscan`),
	}},
	{"auth", "credential-attack", "Successful credential attack output observed", []*regexp.Regexp{
		regexp.MustCompile(`(?i)login successful`),
		regexp.MustCompile(`\[\d+\]\[\w+\]\s+host:`),
		regexp.MustCompile(`(?i)valid credentials?`),
	}},
	{"access_control", "sudo-rights", "Sudo privilege listing observed", []*regexp.Regexp{
		regexp.MustCompile(`(?i)may run the following commands`),
		regexp.MustCompile(`NOPASSWD`),
	}},
	{"input", "injection", "Injection vulnerability output observed", []*regexp.Regexp{
		regexp.MustCompile(`(?i)sqlmap identified the following injection point`),
		regexp.MustCompile(`(?i)parameter .* is vulnerable`),
		regexp.MustCompile(`(?i)sql syntax.*error`),
	}},
	{"file", "file-access", "File inclusion or transfer output observed", []*regexp.Regexp{
		regexp.MustCompile(`root:.*:0:0:`),
		regexp.MustCompile(`(?i)directory traversal`),
		regexp.MustCompile(`(?i)file uploaded`),
	}},
	{"ssrf", "ssrf-probe", "Server-side request forgery indicator observed", []*regexp.Regexp{
		regexp.MustCompile(`169\.254\.169\.254`),
		regexp.MustCompile(`(?i)instance metadata`),
	}},
	{"kerberos", "ticket-capture", "Kerberos ticket material observed", []*regexp.Regexp{
		regexp.MustCompile(`\$krb5asrep\$`),
		regexp.MustCompile(`\$krb5tgs\$`),
		regexp.MustCompile(`(?i)kerberoast`),
	}},
	{"lateral", "remote-exec", "Remote execution on another host observed", []*regexp.Regexp{
		regexp.MustCompile(`Evil-WinRM shell`),
		regexp.MustCompile(`(?i)pwn3d!`),
		regexp.MustCompile(`(?i)psexec.*(?:started|uploading)`),
	}},
	{"privesc", "privileged-shell", "Privileged execution context observed", []*regexp.Regexp{
		regexp.MustCompile(`uid=0\(root\)`),
		regexp.MustCompile(`NT AUTHORITY\\SYSTEM`),
		regexp.MustCompile(`(?i)welcome to linpeas`),
	}},
}

// DetectPathProgress scans text for methodology-stage
// indicators.
func DetectPathProgress(text string) []PathProgressSignal {
	var signals []PathProgressSignal
	for _, stage := range stageSignatures {
		for _, pattern := range stage.patterns {
			if pattern.MatchString(text) {
				signals = append(signals, PathProgressSignal{
					PathID:      stage.pathID,
					StepID:      stage.stepID,
					Status:      STATUS_IN_PROGRESS,
					Description: stage.description,
				})
				break
			}
		}
	}
	return signals
}

// Analyzer runs the pattern tables over output text and
// persists what it finds. Pattern matching against arbitrary
// bytes is total; only persistence can fail, and a failure
// never retracts the computed result.
type Analyzer struct {
	store    Store
	progress *AttackPathStore
	hub      *EventHub
	log      *log.Logger
	now      func() time.Time
}

func NewAnalyzer(store Store, progress *AttackPathStore, hub *EventHub, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.Default()
	}
	return &Analyzer{
		store:    store,
		progress: progress,
		hub:      hub,
		log:      logger,
		now:      time.Now,
	}
}

// Analyze detects services, derives recommendations, and
// marks path progress, then persists and publishes the
// result. Safe to call repeatedly with identical text:
// stored services merge by name and progress upserts are
// idempotent.
func (analyzer *Analyzer) Analyze(targetID string, text string) AnalysisResult {
	result := AnalysisResult{
		Services: DetectServices(text),
	}
	result.Recommendations = Recommend(result.Services)
	result.PathProgress = DetectPathProgress(text)

	if targetID != "" {
		if analyzer.store != nil && len(result.Services) > 0 {
			if err := analyzer.store.MergeDetectedServices(targetID, result.Services, analyzer.now()); err != nil {
				analyzer.log.Printf("error merging detected services: %v\n", err)
			}
		}
		if analyzer.progress != nil {
			for _, signal := range result.PathProgress {
				analyzer.progress.applyEngineSignal(targetID, signal.PathID, signal.StepID, signal.Description)
			}
		}
	}

	if analyzer.hub != nil && (len(result.Services) > 0 || len(result.PathProgress) > 0) {
		resultCopy := result
		analyzer.hub.Publish(Event{
			Type:     EVENT_ANALYSIS_RESULT,
			TargetID: targetID,
			Analysis: &resultCopy,
		})
	}
	return result
}
