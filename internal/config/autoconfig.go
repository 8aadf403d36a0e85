package config

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mercury-chat/engine/internal/logging"
)

// Probe result: a candidate server configuration discovered by one of
// the autoconfig sources, before Gmail special-casing and default
// fill-in are applied.
type Probe struct {
	IMAPServer string
	IMAPPort   int
	IMAPUser   string
	IMAPSocket int // one of the IMAPSocket* flag bits

	SMTPServer string
	SMTPPort   int
	SMTPUser   string
	SMTPSocket int // one of the SMTPSocket* flag bits
}

const autoconfigTimeout = 8 * time.Second

// Autodiscover probes, in the order spec §4.12 requires, the well-known
// locations email providers publish their IMAP/SMTP settings at. The
// first well-formed result wins; callers should fall back to
// ApplyDefaults if every source fails.
func Autodiscover(addr string) (Probe, bool) {
	domain := domainOf(addr)
	if domain == "" {
		return Probe{}, false
	}

	client := &http.Client{Timeout: autoconfigTimeout}

	urls := []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml?emailaddress=%s", domain, addr),
		fmt.Sprintf("http://autoconfig.%s/mail/config-v1.1.xml?emailaddress=%s", domain, addr),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://%s/autodiscover/autodiscover.xml", domain),
		fmt.Sprintf("http://%s/autodiscover/autodiscover.xml", domain),
		fmt.Sprintf("https://autoconfig.thunderbird.net/v1.1/%s", domain),
	}

	log := logging.WithComponent("config.autoconfig")
	for _, url := range urls {
		probe, ok := fetchAndParse(client, url, addr)
		if ok {
			log.Info().Str("url", url).Msg("autoconfig probe succeeded")
			return probe, true
		}
	}
	return Probe{}, false
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

func fetchAndParse(client *http.Client, url, addr string) (Probe, bool) {
	resp, err := client.Get(url)
	if err != nil {
		return Probe{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Probe{}, false
	}

	var doc ispdbDocument
	if strings.Contains(url, "autodiscover.xml") {
		var ad autodiscoverDocument
		if err := xml.NewDecoder(resp.Body).Decode(&ad); err != nil {
			return Probe{}, false
		}
		return ad.toProbe(addr), ad.wellFormed()
	}

	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Probe{}, false
	}
	return doc.toProbe(addr)
}

// ispdbDocument models the Thunderbird ISPDB / autoconfig.thunderbird.net
// config-v1.1.xml schema (only the fields this engine consumes).
type ispdbDocument struct {
	XMLName       xml.Name `xml:"clientConfig"`
	EmailProvider struct {
		IncomingServer []ispdbServer `xml:"incomingServer"`
		OutgoingServer []ispdbServer `xml:"outgoingServer"`
	} `xml:"emailProvider"`
}

type ispdbServer struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       int    `xml:"port"`
	SocketType string `xml:"socketType"`
	Username   string `xml:"username"`
}

func (d ispdbDocument) toProbe(addr string) (Probe, bool) {
	var probe Probe
	found := false

	for _, s := range d.EmailProvider.IncomingServer {
		if s.Type != "imap" || s.Hostname == "" {
			continue
		}
		probe.IMAPServer = s.Hostname
		probe.IMAPPort = s.Port
		probe.IMAPSocket = socketFlag(s.SocketType, true)
		probe.IMAPUser = substituteUser(s.Username, addr)
		found = true
		break
	}
	for _, s := range d.EmailProvider.OutgoingServer {
		if s.Type != "smtp" || s.Hostname == "" {
			continue
		}
		probe.SMTPServer = s.Hostname
		probe.SMTPPort = s.Port
		probe.SMTPSocket = socketFlag(s.SocketType, false)
		probe.SMTPUser = substituteUser(s.Username, addr)
		break
	}

	return probe, found
}

// autodiscoverDocument models the (much smaller) subset of Exchange's
// autodiscover.xml this engine needs: a single IMAP/POP + SMTP protocol
// pair under Account.
type autodiscoverDocument struct {
	XMLName xml.Name `xml:"Autodiscover"`
	Response struct {
		Account struct {
			Protocol []struct {
				Type   string `xml:"Type"`
				Server string `xml:"Server"`
				Port   int    `xml:"Port"`
				SSL    string `xml:"SSL"`
			} `xml:"Protocol"`
		} `xml:"Account"`
	} `xml:"Response"`
}

func (d autodiscoverDocument) wellFormed() bool {
	for _, p := range d.Response.Account.Protocol {
		if p.Server != "" {
			return true
		}
	}
	return false
}

func (d autodiscoverDocument) toProbe(addr string) Probe {
	var probe Probe
	for _, p := range d.Response.Account.Protocol {
		ssl := !strings.EqualFold(p.SSL, "off")
		switch strings.ToUpper(p.Type) {
		case "IMAP":
			probe.IMAPServer = p.Server
			probe.IMAPPort = p.Port
			probe.IMAPUser = addr
			if ssl {
				probe.IMAPSocket = IMAPSocketSSL
			} else {
				probe.IMAPSocket = IMAPSocketSTARTTLS
			}
		case "SMTP":
			probe.SMTPServer = p.Server
			probe.SMTPPort = p.Port
			probe.SMTPUser = addr
			if ssl {
				probe.SMTPSocket = SMTPSocketSSL
			} else {
				probe.SMTPSocket = SMTPSocketSTARTTLS
			}
		}
	}
	return probe
}

func socketFlag(socketType string, imap bool) int {
	switch strings.ToUpper(socketType) {
	case "SSL":
		if imap {
			return IMAPSocketSSL
		}
		return SMTPSocketSSL
	case "STARTTLS":
		if imap {
			return IMAPSocketSTARTTLS
		}
		return SMTPSocketSTARTTLS
	default:
		if imap {
			return IMAPSocketPlain
		}
		return SMTPSocketPlain
	}
}

func substituteUser(template, addr string) string {
	if template == "" {
		return addr
	}
	r := strings.NewReplacer("%EMAILADDRESS%", addr, "%EMAILLOCALPART%", localPartOf(addr))
	return r.Replace(template)
}

func localPartOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[:i]
}

// IsGmail reports whether addr belongs to one of the domains spec
// §4.12 special-cases to XOAUTH2.
func IsGmail(addr string) bool {
	d := domainOf(addr)
	return d == "gmail.com" || d == "googlemail.com"
}

// ApplyDefaults fills in any still-empty fields of cfg per spec
// §4.12's final fallback: IMAP 993/SSL or 143/STARTTLS, SMTP 465/SSL
// or 587/STARTTLS or 25/plain, host imap.<domain>/smtp.<domain>, user
// = address. Call after Autodiscover has had a chance to fill in what
// it could.
func ApplyDefaults(cfg Config) Config {
	domain := domainOf(cfg.Addr)

	if cfg.MailServer == "" {
		cfg.MailServer = "imap." + domain
	}
	if cfg.MailUser == "" {
		cfg.MailUser = cfg.Addr
	}
	if cfg.MailPort == 0 {
		if cfg.HasFlag(IMAPSocketSSL) {
			cfg.MailPort = 993
		} else {
			cfg.ServerFlags |= IMAPSocketSTARTTLS
			cfg.MailPort = 143
		}
	}

	if cfg.SendServer == "" {
		cfg.SendServer = "smtp." + domain
	}
	if cfg.SendUser == "" {
		cfg.SendUser = cfg.Addr
	}
	if cfg.SendPort == 0 {
		switch {
		case cfg.HasFlag(SMTPSocketSSL):
			cfg.SendPort = 465
		case cfg.HasFlag(SMTPSocketSTARTTLS):
			cfg.SendPort = 587
		default:
			cfg.SendPort = 25
		}
	}

	if IsGmail(cfg.Addr) {
		cfg.ServerFlags |= AuthOAuth2 | NoExtraIMAPUpload | NoMoveToChats
	}

	return cfg
}

// FromProbe merges a successful autoconfig Probe into cfg.
func FromProbe(cfg Config, probe Probe) Config {
	if probe.IMAPServer != "" {
		cfg.MailServer = probe.IMAPServer
		cfg.MailPort = probe.IMAPPort
		cfg.MailUser = probe.IMAPUser
		cfg.ServerFlags |= probe.IMAPSocket
	}
	if probe.SMTPServer != "" {
		cfg.SendServer = probe.SMTPServer
		cfg.SendPort = probe.SMTPPort
		cfg.SendUser = probe.SMTPUser
		cfg.ServerFlags |= probe.SMTPSocket
	}
	return cfg
}

// Resolve builds a complete Config for addr/password: autodiscover
// first, then fill in anything still missing with ApplyDefaults. This
// is what Engine.Configure calls before it saves the result and
// enqueues the CONFIGURE_IMAP job that runs the IMAP/SMTP connect
// tests (spec §4.15).
func Resolve(addr, password string) Config {
	cfg := Config{Addr: addr, MailPw: password, SendPw: password}
	if probe, ok := Autodiscover(addr); ok {
		cfg = FromProbe(cfg, probe)
	}
	return ApplyDefaults(cfg)
}
