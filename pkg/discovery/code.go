package discovery

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"math/big"
	"strings"
)

//go:embed words.txt
var wordlist []byte

var codeWords = parseWords(wordlist)

// parseWords 解析骰子编号词表（行形如 "111<TAB>word"）
func parseWords(content []byte) []string {
	lines := strings.Split(string(content), "\n")
	words := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		if _, w, ok := strings.Cut(ln, "\t"); ok && w != "" {
			words = append(words, w)
		}
	}
	return words
}

func randInt(n int) int {
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}

// NewCode 生成形如 "42-maple-tunnel" 的会话码，主机公布它，参与者凭它查找主机
func NewCode() string {
	if len(codeWords) == 0 {
		return fmt.Sprintf("%d", 10+randInt(90))
	}
	return fmt.Sprintf("%d-%s-%s", 10+randInt(90),
		codeWords[randInt(len(codeWords))], codeWords[randInt(len(codeWords))])
}

// ValidCode 检查会话码格式 '<nameplate>-<word>-<word>'
func ValidCode(code string) bool {
	parts := strings.Split(strings.TrimSpace(code), "-")
	if len(parts) != 3 {
		return false
	}
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return parts[0] != "" && parts[1] != "" && parts[2] != ""
}
