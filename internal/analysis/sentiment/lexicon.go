package sentiment

import (
	"strings"
	"unicode"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
)

// ModelName is reported in Sentiment.Model for lexicon results.
const ModelName = "lexicon"

const (
	Positive = "POSITIVE"
	Negative = "NEGATIVE"
)

var keywordBuckets = map[string][]string{
	Positive: {
		"good", "great", "awesome", "amazing", "love", "like", "happy", "glad", "thanks", "thank you",
		"excellent", "wonderful", "fantastic", "nice", "cool", "fun", "enjoy", "beautiful", "best",
		"perfect", "brilliant", "yay", "lol", "haha", "congrats", "well done", "superb", "wow",
		"开心", "高兴", "喜欢", "太好了", "太棒了", "真棒", "谢谢", "满意", "哈哈",
	},
	Negative: {
		"bad", "terrible", "awful", "horrible", "hate", "sad", "angry", "upset", "worst", "boring",
		"annoyed", "annoying", "disappointed", "disappointing", "ugly", "stupid", "broken", "sucks",
		"cry", "depressed", "hurt", "furious", "mad", "fail", "failed", "wrong", "poor", "sorry",
		"难过", "伤心", "失望", "生气", "愤怒", "烦死", "受够了", "痛苦",
	},
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "don't": true, "dont": true, "isn't": true,
	"isnt": true, "wasn't": true, "wasnt": true, "didn't": true, "didnt": true, "can't": true,
	"cant": true, "won't": true, "wont": true, "hardly": true, "不": true, "没": true,
}

// Analyze scores text against the keyword buckets. It never fails: text
// without any signal is reported as a weak POSITIVE, the way a binary
// classifier leans on neutral input.
func Analyze(text string) chat.Sentiment {
	pos, neg := scoreText(text)

	label := Positive
	if neg > pos {
		label = Negative
	}

	total := pos + neg
	margin := pos - neg
	if margin < 0 {
		margin = -margin
	}

	score := 0.5
	if total > 0 {
		// 0.5 for a tie, approaching 1 as one side dominates and hits accumulate.
		score = 0.5 + 0.5*float64(margin)/float64(total+1)
	}
	if score > 1 {
		score = 1
	}

	return chat.Sentiment{
		Label: label,
		Score: score,
		Model: ModelName,
	}
}

func scoreText(text string) (pos, neg int) {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return 0, 0
	}

	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			idx := 0
			for {
				at := indexWord(normalized[idx:], word)
				if at < 0 {
					break
				}
				start := idx + at
				hit := 3
				if negatedBefore(normalized[:start]) {
					hit = -hit
				}
				if label == Positive {
					pos, neg = addHit(pos, neg, hit)
				} else {
					neg, pos = addHit(neg, pos, hit)
				}
				idx = start + len(word)
			}
		}
	}

	if bangs := strings.Count(text, "!"); bangs > 0 && pos+neg > 0 {
		if pos >= neg {
			pos += bangs
		} else {
			neg += bangs
		}
	}
	return pos, neg
}

// addHit credits own for a positive hit and other for a negated one.
func addHit(own, other, hit int) (int, int) {
	if hit > 0 {
		return own + hit, other
	}
	return own, other - hit
}

// indexWord finds word in s on word boundaries. CJK keywords match anywhere.
func indexWord(s, word string) int {
	offset := 0
	for {
		at := strings.Index(s[offset:], word)
		if at < 0 {
			return -1
		}
		start := offset + at
		end := start + len(word)
		if !isASCIIWord(word) || (boundaryBefore(s, start) && boundaryAfter(s, end)) {
			return start
		}
		offset = start + 1
	}
}

func isASCIIWord(word string) bool {
	for _, r := range word {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func boundaryBefore(s string, i int) bool {
	return i == 0 || !isWordByte(s[i-1])
}

func boundaryAfter(s string, i int) bool {
	return i >= len(s) || !isWordByte(s[i])
}

func isWordByte(b byte) bool {
	return b == '\'' || b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// negatedBefore reports whether one of the two words preceding a hit is a negator.
func negatedBefore(prefix string) bool {
	fields := strings.FieldsFunc(prefix, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'')
	})
	for i := len(fields) - 1; i >= 0 && i >= len(fields)-2; i-- {
		if negators[fields[i]] {
			return true
		}
	}
	if prefix != "" {
		for _, cjk := range []string{"不", "没"} {
			if strings.HasSuffix(prefix, cjk) {
				return true
			}
		}
	}
	return false
}
