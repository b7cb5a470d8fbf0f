package harvester

import (
	"regexp"
	"strings"
	"time"

	"remnaguard/internal/models"
)

// Грамматика access.log Xray. Встречаются два варианта строки accepted:
//
//	2026/01/28 11:23:18.306521 from 1.2.3.4:12345 accepted tcp:example.com:443 [tag] email: 154
//	2026/01/27 12:00:00 [Info] app/proxyman/inbound: [user@email] 1.2.3.4:12345 accepted tcp:example.com:443
//
// Подсказка идентичности берётся из email: либо из [скобок].
var (
	emailLinePattern = regexp.MustCompile(
		`(?i)(\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2})(?:\.\d+)?\s+from\s+(\d+\.\d+\.\d+\.\d+):(\d+)\s+accepted.*?email:\s*(\S+)`)
	bracketLinePattern = regexp.MustCompile(
		`(?i)(\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2})(?:\.\d+)?.*?\[(\S+?@\S+?)\].*?(\d+\.\d+\.\d+\.\d+):(\d+)\s+accepted`)
)

const xrayTimeLayout = "2006/01/02 15:04:05"

// ParseLine разбирает одну строку access.log. ok=false для строк без
// accepted или не подошедших под грамматику — такие строки считаются,
// но никогда не ломают чтение.
func ParseLine(line string) (models.ConnectionRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(strings.ToLower(line), "accepted") {
		return models.ConnectionRecord{}, false
	}

	if m := emailLinePattern.FindStringSubmatch(line); m != nil {
		return models.ConnectionRecord{
			IdentityHint: m[4],
			IPAddress:    m[2],
			ConnectedAt:  parseTimestamp(m[1]),
		}, true
	}
	if m := bracketLinePattern.FindStringSubmatch(line); m != nil {
		return models.ConnectionRecord{
			IdentityHint: m[2],
			IPAddress:    m[3],
			ConnectedAt:  parseTimestamp(m[1]),
		}, true
	}
	return models.ConnectionRecord{}, false
}

// parseTimestamp разбирает Xray-время. Для битой отметки берётся
// текущее время, строка при этом не теряется.
func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(xrayTimeLayout, strings.TrimSpace(s)); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}
