package risk

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  Level
	}{
		{"read is safe", "read", map[string]any{"file_path": "/tmp/x"}, Safe},
		{"grep is safe", "grep", map[string]any{"pattern": "foo"}, Safe},
		{"plain ls is safe", "bash", map[string]any{"command": "ls -la"}, Safe},
		{"rm -rf is dangerous", "bash", map[string]any{"command": "rm -rf /tmp/junk"}, Dangerous},
		{"rm -fr order swapped", "bash", map[string]any{"command": "rm -fr ./build"}, Dangerous},
		{"git push --force is dangerous", "bash", map[string]any{"command": "git push --force origin main"}, Dangerous},
		{"git reset --hard is dangerous", "bash", map[string]any{"command": "git reset --hard HEAD~1"}, Dangerous},
		{"drop table is dangerous", "bash", map[string]any{"command": "psql -c 'DROP TABLE users'"}, Dangerous},
		{"shutdown is dangerous", "bash", map[string]any{"command": "sudo shutdown -h now"}, Dangerous},
		{"kill -9 is dangerous", "bash", map[string]any{"command": "kill -9 1234"}, Dangerous},
		{"chmod 777 is dangerous", "bash", map[string]any{"command": "chmod 777 /srv/app"}, Dangerous},
		{"plain rm is moderate", "bash", map[string]any{"command": "rm old.log"}, Moderate},
		{"npm install is moderate", "bash", map[string]any{"command": "npm install lodash"}, Moderate},
		{"curl is moderate", "bash", map[string]any{"command": "curl https://example.com"}, Moderate},
		{"write under etc is dangerous", "write", map[string]any{"file_path": "/etc/passwd"}, Dangerous},
		{"write under var is dangerous", "write", map[string]any{"file_path": "/var/lib/x"}, Dangerous},
		{"write env file is moderate", "write", map[string]any{"file_path": "/home/user/.env"}, Moderate},
		{"write pem file is moderate", "edit", map[string]any{"file_path": "/home/user/id.pem"}, Moderate},
		{"write normal file is safe", "write", map[string]any{"file_path": "/home/user/app.go"}, Safe},
		{"unknown tool is moderate", "mystery_tool", map[string]any{}, Moderate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.tool, tt.input)
			if got != tt.want {
				t.Errorf("Classify(%q, %v) = %v, want %v", tt.tool, tt.input, got, tt.want)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	input := map[string]any{"command": "rm -rf /tmp/a"}
	first := Classify("bash", input)
	for i := 0; i < 10; i++ {
		if got := Classify("bash", input); got != first {
			t.Fatalf("classifier is not deterministic: call %d = %v, first = %v", i, got, first)
		}
	}
}

func TestLevelAtMost(t *testing.T) {
	if !Safe.AtMost(Safe) {
		t.Error("safe should be at-most safe")
	}
	if !Safe.AtMost(Dangerous) {
		t.Error("safe should be at-most dangerous")
	}
	if Dangerous.AtMost(Safe) {
		t.Error("dangerous should not be at-most safe")
	}
	if !Moderate.AtMost(Dangerous) {
		t.Error("moderate should be at-most dangerous")
	}
	if Dangerous.AtMost(Moderate) {
		t.Error("dangerous should not be at-most moderate")
	}
}

func TestSummarizeTruncates(t *testing.T) {
	longCmd := ""
	for i := 0; i < 200; i++ {
		longCmd += "x"
	}
	s := Summarize("bash", map[string]any{"command": longCmd})
	if len(s) > 120 {
		t.Errorf("Summarize output too long: %d chars", len(s))
	}
}

func TestExtractTarget(t *testing.T) {
	if got := ExtractTarget("bash", map[string]any{"command": "ls"}); got != "ls" {
		t.Errorf("ExtractTarget = %q, want %q", got, "ls")
	}
	if got := ExtractTarget("write", map[string]any{"file_path": "/tmp/x"}); got != "/tmp/x" {
		t.Errorf("ExtractTarget = %q, want %q", got, "/tmp/x")
	}
}
