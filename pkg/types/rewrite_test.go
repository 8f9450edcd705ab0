package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRewriteRule_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   RewriteRule
		want RewriteRule
	}{
		{
			name: "lowercases and strips www",
			in:   RewriteRule{SourceHost: "WWW.Viding.CO", TargetHost: "Viding-co_Website-Revamp"},
			want: RewriteRule{SourceHost: "viding.co", TargetHost: "viding-co_website-revamp", Scheme: SchemeHTTP},
		},
		{
			name: "keeps explicit scheme",
			in:   RewriteRule{SourceHost: "viding.org", TargetHost: "viding-org_website-revamp", Scheme: "HTTPS"},
			want: RewriteRule{SourceHost: "viding.org", TargetHost: "viding-org_website-revamp", Scheme: SchemeHTTPS},
		},
		{
			name: "trims whitespace",
			in:   RewriteRule{SourceHost: " example.com ", TargetHost: " internal-host "},
			want: RewriteRule{SourceHost: "example.com", TargetHost: "internal-host", Scheme: SchemeHTTP},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Normalize()
			assert.Equal(t, tt.want, tt.in)
		})
	}
}

func TestRewriteRule_Validate(t *testing.T) {
	rule := RewriteRule{SourceHost: "viding.co", TargetHost: "viding-co_website-revamp", Scheme: SchemeHTTP}
	assert.NoError(t, rule.Validate())

	missingSource := RewriteRule{TargetHost: "x", Scheme: SchemeHTTP}
	assert.ErrorContains(t, missingSource.Validate(), "source_host")

	missingTarget := RewriteRule{SourceHost: "x", Scheme: SchemeHTTP}
	assert.ErrorContains(t, missingTarget.Validate(), "target_host")

	badScheme := RewriteRule{SourceHost: "x", TargetHost: "y", Scheme: "ftp"}
	assert.ErrorContains(t, badScheme.Validate(), "scheme")
}

func TestRewriteRule_UnmarshalYAML(t *testing.T) {
	var rule RewriteRule
	err := yaml.Unmarshal([]byte("source_host: WWW.Viding.CO\ntarget_host: viding-co_website-revamp\n"), &rule)
	require.NoError(t, err)
	assert.Equal(t, "viding.co", rule.SourceHost)
	assert.Equal(t, SchemeHTTP, rule.Scheme)

	err = yaml.Unmarshal([]byte("source_host: viding.co\ntarget_host: x\nscheme: gopher\n"), &rule)
	assert.Error(t, err)
}
