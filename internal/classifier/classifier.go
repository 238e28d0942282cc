// Package classifier categorizes build failure output with an ordered keyword rule table.
package classifier

import (
	"regexp"
	"strings"
)

// Categories produced by the default rule table
const (
	CategoryKubernetes   = "kubernetes"
	CategoryDocker       = "docker"
	CategoryDependencies = "dependencies"
	CategoryTests        = "tests"
	CategoryBuild        = "build"
	CategoryUnknown      = "unknown"
)

// NoErrorFound is returned by Summarize when no line looks like an error
const NoErrorFound = "No specific error message found"

// Rule maps a keyword set onto a failure category
type Rule struct {
	Category    string
	Confidence  float64
	Keywords    []string
	Suggestions []string
}

// Classification is the result of classifying failure text
type Classification struct {
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"`
	Suggestions []string `json:"suggestions"`
}

// DefaultRules is checked in order; the first rule with a matching keyword wins.
var DefaultRules = []Rule{
	{
		Category:   CategoryKubernetes,
		Confidence: 0.9,
		Keywords: []string{
			"kubectl",
			"kubernetes",
			"k8s",
			"kubeconfig",
			"the connection to the server",
			"unable to connect to the server",
			"crashloopbackoff",
			"imagepullbackoff",
		},
		Suggestions: []string{
			"Verify the cluster API server is reachable from the build agent",
			"Check that the kubeconfig or service account credentials are valid",
			"Inspect pod events with kubectl describe for scheduling or image errors",
		},
	},
	{
		Category:   CategoryDocker,
		Confidence: 0.8,
		Keywords: []string{
			"docker",
			"dockerfile",
			"container",
			"registry",
			"image pull",
			"pull access denied",
			"manifest unknown",
			"no space left on device",
		},
		Suggestions: []string{
			"Confirm the Docker daemon is running on the build agent",
			"Check registry credentials and that the image tag exists",
			"Prune unused images if the agent is out of disk space",
		},
	},
	{
		Category:   CategoryDependencies,
		Confidence: 0.7,
		Keywords: []string{
			"npm install",
			"npm err",
			"yarn install",
			"pip install",
			"go mod download",
			"could not resolve dependencies",
			"cannot find module",
			"module not found",
			"etimedout",
			"eai_again",
		},
		Suggestions: []string{
			"Retry the build; registry timeouts are often transient",
			"Check the package registry or mirror configuration",
			"Make sure the lockfile is committed and in sync with the manifest",
		},
	},
	{
		Category:   CategoryTests,
		Confidence: 0.75,
		Keywords: []string{
			"test failed",
			"tests failed",
			"failing tests",
			"assertionerror",
			"assertion failed",
			"--- fail",
			"test suite failed",
			"pytest",
		},
		Suggestions: []string{
			"Run the failing tests locally to reproduce",
			"Check for flaky tests that depend on timing or ordering",
		},
	},
	{
		Category:   CategoryBuild,
		Confidence: 0.6,
		Keywords: []string{
			"compilation failed",
			"compile error",
			"build failed",
			"syntax error",
			"cannot find symbol",
			"undefined reference",
			"make: ***",
		},
		Suggestions: []string{
			"Fix the compiler errors reported in the console output",
			"Make sure the toolchain version on the agent matches the project",
		},
	},
}

// Classifier applies an ordered rule table
type Classifier struct {
	rules []Rule
}

// New creates a classifier over the given rules. Keywords are matched case-insensitively.
func New(rules []Rule) *Classifier {
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		kw := make([]string, len(r.Keywords))
		for j, k := range r.Keywords {
			kw[j] = strings.ToLower(k)
		}
		r.Keywords = kw
		normalized[i] = r
	}
	return &Classifier{rules: normalized}
}

var defaultClassifier = New(DefaultRules)

// Classify categorizes text with the default rule table
func Classify(text string) Classification {
	return defaultClassifier.Classify(text)
}

// Classify returns the first rule whose keywords occur in text
func (c *Classifier) Classify(text string) Classification {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return Classification{
					Category:    r.Category,
					Confidence:  r.Confidence,
					Suggestions: append([]string(nil), r.Suggestions...),
				}
			}
		}
	}

	return Classification{
		Category:    CategoryUnknown,
		Confidence:  0,
		Suggestions: []string{"Review the full console output for the root cause"},
	}
}

var errorMarker = regexp.MustCompile(`(?i)(error:|failed:|exception|fatal:|exit code\b.*\b1\b|unable to)`)

// Summarize returns at most the first two error-looking lines of text joined with " | "
func Summarize(text string) string {
	var hits []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !errorMarker.MatchString(line) {
			continue
		}
		hits = append(hits, line)
		if len(hits) == 2 {
			break
		}
	}

	if len(hits) == 0 {
		return NoErrorFound
	}
	return strings.Join(hits, " | ")
}
