package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pvorotnikov/open-iot-sub001/pkg/cache"
)

const (
	regexCacheSize  = 256
	maxRegexLength  = 500
	maxRegexGroups  = 20
	maxRegexNesting = 5
)

// regexCache holds compiled patterns shared by every evaluation
var regexCache *cache.LRU[*regexp.Regexp]

func init() {
	var err error
	regexCache, err = cache.NewLRU[*regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(fmt.Sprintf("rule: failed to initialize regex cache: %v", err))
	}
}

// compileRegex returns a cached compiled regex or compiles and caches it
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}

	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}

	regexCache.Set(pattern, re)
	return re, nil
}

// validateRegexComplexity rejects oversized or deeply nested patterns
func validateRegexComplexity(pattern string) error {
	if len(pattern) > maxRegexLength {
		return fmt.Errorf("regex pattern too long (max %d chars): %d chars", maxRegexLength, len(pattern))
	}
	if strings.Count(pattern, "(") > maxRegexGroups {
		return fmt.Errorf("regex pattern has too many groups (max %d)", maxRegexGroups)
	}

	depth, deepest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			deepest = max(deepest, depth)
		case ')':
			depth--
		}
	}
	if deepest > maxRegexNesting {
		return fmt.Errorf("regex pattern nests groups too deeply (max %d levels)", maxRegexNesting)
	}
	return nil
}

// RegexCacheStats exposes the shared cache counters
func RegexCacheStats() cache.Stats {
	return regexCache.Stats()
}
