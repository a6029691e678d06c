package gitutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var prURLRegex = regexp.MustCompile(`^(?:https?://)?[^/]+/([^/]+)/([^/]+)/pull/(\d+)$`)

// ParsePullRequestURL extracts "owner/repo" and the number from a pull request
// URL such as https://github.com/{owner}/{repo}/pull/{number}. Enterprise
// hosts are accepted.
func ParsePullRequestURL(url string) (repo string, number int, err error) {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")

	matches := prURLRegex.FindStringSubmatch(url)
	if len(matches) != 4 {
		return "", 0, fmt.Errorf("invalid pull request URL format: %s", url)
	}

	number, err = strconv.Atoi(matches[3])
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("invalid pull request number %q", matches[3])
	}
	return matches[1] + "/" + matches[2], number, nil
}
