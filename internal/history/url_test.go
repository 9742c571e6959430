package history

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanRewrite(t *testing.T) {
	tests := []struct {
		name   string
		from   string
		to     string
		expect bool
	}{
		{"https path change", "https://a/x", "https://a/y?q=1#f", true},
		{"http query change", "http://a/x?q=1", "http://a/x?q=2", true},
		{"default port is implicit", "http://a/x", "http://a:80/y", true},
		{"scheme differs", "https://a/x", "http://a/x", false},
		{"host differs", "https://a/x", "https://b/x", false},
		{"port differs", "https://a:8443/x", "https://a:9443/x", false},
		{"username differs", "https://u@a/x", "https://v@a/x", false},
		{"password differs", "https://u:p@a/x", "https://u:q@a/x", false},
		{"file same path other query", "file:///tmp/a.html?x=1", "file:///tmp/a.html?x=2#h", true},
		{"file other path", "file:///tmp/a.html", "file:///tmp/b.html", false},
		{"other scheme same path and query", "app://h/p?q=1", "app://h/p?q=1#frag", true},
		{"other scheme other query", "app://h/p?q=1", "app://h/p?q=2", false},
		{"other scheme other path", "app://h/p", "app://h/q", false},
		{"opaque same", "about:blank", "about:blank#x", true},
		{"opaque other", "about:blank", "about:srcdoc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, err := url.Parse(tt.from)
			assert.NoError(t, err)
			to, err := url.Parse(tt.to)
			assert.NoError(t, err)
			assert.Equal(t, tt.expect, CanRewrite(from, to))
		})
	}
}

func TestCanRewrite_Reflexive(t *testing.T) {
	for _, raw := range []string{
		"https://a/x?y#z",
		"http://user:pw@host:8080/p",
		"file:///etc/hosts?q",
		"data:text/plain,hello",
		"about:blank",
		"custom://x/y?z",
	} {
		u, err := url.Parse(raw)
		assert.NoError(t, err)
		assert.True(t, CanRewrite(u, u), raw)
	}
}

func TestCanRewrite_CrossOriginIgnoresPathAndQuery(t *testing.T) {
	for _, pair := range [][2]string{
		{"https://a/", "https://a.evil/"},
		{"https://a/p?q", "ftp://a/p?q"},
		{"https://a:1/p", "https://a:2/p"},
		{"file:///p", "https://a/p"},
	} {
		from, _ := url.Parse(pair[0])
		to, _ := url.Parse(pair[1])
		assert.False(t, CanRewrite(from, to), "%s -> %s", pair[0], pair[1])
	}
	assert.False(t, CanRewrite(nil, &url.URL{}))
}
