package opscope

import (
	"log"
	"regexp"
	"strings"
	"time"
)

// Output kept per pending command. Oldest bytes are dropped
// first; the newest survive.
const OUTPUT_RETENTION_BYTES int = 10000

// CommandRecord is the immutable result of one completed
// command: what was typed, what came back, and how it was
// classified.
type CommandRecord struct {
	TargetID       string `json:"target_id,omitempty"`
	Command        string `json:"command"`
	Output         string `json:"output"`
	Category       string `json:"category"`
	AttackPathHint string `json:"attack_path_hint,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

// pendingCommand tracks a command that has started but whose
// output has not yet been closed off by a prompt.
type pendingCommand struct {
	text      string
	startedAt time.Time
	output    []byte
}

// commandTracker decides where one command ends and its
// output begins. Two triggers feed it: an explicit start
// signal from the UI (pre-cleaned command text) and the raw
// remote echo, where a shell prompt reappearing means the
// command is done. Each terminal session owns one tracker,
// touched only by that session's callback chain.
type commandTracker struct {
	ownerContextID string
	pending        *pendingCommand
	store          Store
	log            *log.Logger
	retention      int
	now            func() time.Time
}

func newCommandTracker(ownerContextID string, store Store, logger *log.Logger) *commandTracker {
	if logger == nil {
		logger = log.Default()
	}
	return &commandTracker{
		ownerContextID: ownerContextID,
		store:          store,
		log:            logger,
		retention:      OUTPUT_RETENTION_BYTES,
		now:            time.Now,
	}
}

// Start begins tracking a new command. Any command still
// pending is flushed first so it is never silently lost.
func (tracker *commandTracker) Start(commandText string) {
	if tracker.pending != nil {
		tracker.Flush()
	}
	tracker.pending = &pendingCommand{
		text:      commandText,
		startedAt: tracker.now(),
	}
}

// Observe feeds one inbound chunk. A chunk that looks like
// the shell prompt returning completes the pending command;
// anything else is accumulated as output.
func (tracker *commandTracker) Observe(chunk []byte) {
	if tracker.pending == nil {
		return
	}
	if isPromptChunk(chunk) {
		tracker.complete()
		return
	}
	tracker.pending.output = append(tracker.pending.output, chunk...)
	if len(tracker.pending.output) > tracker.retention {
		tracker.pending.output = tracker.pending.output[len(tracker.pending.output)-tracker.retention:]
	}
}

// Flush commits whatever has accumulated even without a
// prompt match. Called on session close and on restart.
func (tracker *commandTracker) Flush() {
	if tracker.pending == nil {
		return
	}
	tracker.complete()
}

func (tracker *commandTracker) complete() {
	pending := tracker.pending
	tracker.pending = nil

	record := CommandRecord{
		Command:        pending.text,
		Output:         string(pending.output),
		Category:       commandCategory(pending.text),
		AttackPathHint: attackPathHint(pending.text),
		DurationMs:     tracker.now().Sub(pending.startedAt).Milliseconds(),
	}

	targetID := ""
	if tracker.store != nil {
		targetID = tracker.store.ResolveTarget(tracker.ownerContextID)
	}
	record.TargetID = targetID
	if targetID == "" {
		// Degraded capture: nothing to attach the record to.
		tracker.log.Printf("command not persisted (no target): %v\n", record.Command)
		return
	}
	if err := tracker.store.SaveCommandRecord(record); err != nil {
		tracker.log.Printf("error saving command record: %v\n", err)
	}
}

// Prompt heuristics: the remote shell is ready for new input.
// Bare trailing prompts, bracketed prompts, user@host forms,
// and PowerShell paths.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$ $`),
	regexp.MustCompile(`# $`),
	regexp.MustCompile(`> $`),
	regexp.MustCompile(`\[[^\[\]\n]+\][$#] ?$`),
	regexp.MustCompile(`[\w.-]+@[\w.-]+:[^\n]*[$#] ?$`),
	regexp.MustCompile(`PS [A-Za-z]:\\[^\n>]*> ?$`),
}

// Trailing newlines are stripped but the trailing space is
// kept significant: "$ " is a prompt, a bare "$" mid-output
// usually is not.
func isPromptChunk(chunk []byte) bool {
	tail := strings.TrimRight(string(chunk), "\r\n")
	if tail == "" {
		return false
	}
	for _, pattern := range promptPatterns {
		if pattern.MatchString(tail) {
			return true
		}
	}
	return false
}

type commandGroup struct {
	label    string
	keywords []string
}

// Ordered; first match wins. Keyword matching is against the
// lowercased command text.
var categoryGroups = []commandGroup{
	{"recon", []string{"nmap", "masscan", "rustscan", "amass", "subfinder", "dnsenum", "dig ", "nslookup", "whois", "fierce", "theharvester"}},
	{"web", []string{"gobuster", "ffuf", "feroxbuster", "dirb", "nikto", "wpscan", "sqlmap", "wfuzz", "curl ", "wget ", "burpsuite"}},
	{"enum", []string{"enum4linux", "smbclient", "smbmap", "rpcclient", "ldapsearch", "snmpwalk", "showmount", "nbtscan", "kerbrute userenum", "netexec", "crackmapexec"}},
	{"exploit", []string{"msfconsole", "msfvenom", "searchsploit", "exploit", "metasploit", "nc -e", "ncat -e"}},
	{"privesc", []string{"linpeas", "winpeas", "linenum", "pspy", "sudo -l", "getcap", "whoami /priv", "linux-exploit-suggester"}},
	{"lateral", []string{"psexec", "evil-winrm", "wmiexec", "smbexec", "xfreerdp", "rdesktop", "proxychains", "chisel", "ligolo"}},
	{"creds", []string{"hydra", "medusa", "john", "hashcat", "mimikatz", "secretsdump", "lazagne", "kerbrute"}},
	{"general", []string{"ls", "cd ", "cat ", "pwd", "whoami", "id", "uname", "ps ", "netstat", "ss -", "ifconfig", "ip a", "ip r", "find ", "grep "}},
}

// commandCategory tags a command with the first matching
// group, or "other".
func commandCategory(commandText string) string {
	lowered := strings.ToLower(strings.TrimSpace(commandText))
	if lowered == "" {
		return "other"
	}
	for _, group := range categoryGroups {
		for _, keyword := range group.keywords {
			if matchKeyword(lowered, keyword) {
				return group.label
			}
		}
	}
	return "other"
}

var hintGroups = []commandGroup{
	{"auth", []string{"hydra", "medusa", "patator", "nc rop", "brute", "password spray", "kerbrute passwordspray"}},
	{"access_control", []string{"sudo -l", "sudo su", "chmod", "chown", "icacls", "setfacl"}},
	{"input", []string{"sqlmap", "xss", "commix", "' or 1=1", "tplmap"}},
	{"file", []string{"lfi", "../", "upload", "wget http", "curl -o", "certutil -urlcache", "scp "}},
	{"ssrf", []string{"ssrf", "gopherus", "169.254.169.254", "localhost:80"}},
	{"enumeration", []string{"nmap", "gobuster", "ffuf", "enum4linux", "smbmap", "ldapsearch", "snmpwalk", "amass", "subfinder"}},
	{"kerberos", []string{"kerberoast", "getnpusers", "getuserspns", "rubeus", "asreproast", "ticketer", "klist"}},
	{"lateral", []string{"psexec", "evil-winrm", "wmiexec", "smbexec", "proxychains", "ssh "}},
	{"privesc", []string{"linpeas", "winpeas", "pspy", "getcap", "linux-exploit-suggester", "whoami /priv"}},
}

// attackPathHint maps a command to a methodology bucket, or
// "" when it fits none.
func attackPathHint(commandText string) string {
	lowered := strings.ToLower(strings.TrimSpace(commandText))
	if lowered == "" {
		return ""
	}
	for _, group := range hintGroups {
		for _, keyword := range group.keywords {
			if matchKeyword(lowered, keyword) {
				return group.label
			}
		}
	}
	return ""
}

// matchKeyword treats keywords with trailing spaces or
// punctuation as substring matches and bare words as
// whole-token matches, so "id" does not match "bandit".
func matchKeyword(lowered, keyword string) bool {
	if strings.ContainsAny(keyword, " -/'.:") {
		return strings.Contains(lowered, keyword)
	}
	for _, token := range strings.FieldsFunc(lowered, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ';' || r == '|' || r == '&'
	}) {
		if token == keyword {
			return true
		}
	}
	return false
}
