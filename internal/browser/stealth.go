package browser

import (
	"fmt"
	"strings"
)

// StealthJS returns the script evaluated before any page script runs. It
// removes the webdriver navigator property and aligns the reported languages
// with the session locale. It complements the go-rod/stealth evasions.
func StealthJS(language string) string {
	langs := []string{}
	if language != "" {
		langs = append(langs, language)
		if base, _, ok := strings.Cut(language, "-"); ok {
			langs = append(langs, base)
		}
	}
	langs = append(langs, "en-US", "en")

	quoted := make([]string, len(langs))
	for i, l := range langs {
		quoted[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(l, "'", ""))
	}

	return fmt.Sprintf(`
Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined, configurable: true });
try { delete Navigator.prototype.webdriver; } catch (e) {}
Object.defineProperty(navigator, 'languages', { get: () => [%s] });
`, strings.Join(quoted, ", "))
}
