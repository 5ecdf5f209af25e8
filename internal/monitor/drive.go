package monitor

import "strings"

// NormalizeDrive canonicalizes a Windows drive-letter reference ("P",
// "P:", "P:\") to the "P:\" form used for comparisons and path joins,
// upper-casing the letter.
func NormalizeDrive(drive string) string {
	d := strings.ToUpper(strings.TrimSpace(drive))
	d = strings.TrimSuffix(d, `\`)
	d = strings.TrimSuffix(d, ":")
	if d == "" {
		return d
	}
	return d + `:\`
}
