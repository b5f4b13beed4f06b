package deploy

import "testing"

func TestParseOutput(t *testing.T) {
	cases := []struct {
		name     string
		stdout   string
		id       string
		endpoint string
		ok       bool
	}{
		{
			name:     "json line",
			stdout:   "uploading...\n{\"workflow_id\":\"cre_wf_1a2b3c\",\"endpoint\":\"https://cre.example/wf/1a2b3c\"}\n",
			id:       "cre_wf_1a2b3c",
			endpoint: "https://cre.example/wf/1a2b3c",
			ok:       true,
		},
		{
			name:     "key value lines",
			stdout:   "Deploying workflow\nworkflow_id: cre_wf_ff00\nendpoint: https://cre.example/wf/ff00\n",
			id:       "cre_wf_ff00",
			endpoint: "https://cre.example/wf/ff00",
			ok:       true,
		},
		{
			name:   "id without endpoint",
			stdout: "workflow_id: \"cre_wf_99\"",
			id:     "cre_wf_99",
			ok:     true,
		},
		{
			name:   "no id",
			stdout: "done\nendpoint: https://cre.example",
			ok:     false,
		},
		{
			name:   "empty",
			stdout: "",
			ok:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, ok := ParseOutput(tc.stdout)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if out.DeploymentID != tc.id || out.Endpoint != tc.endpoint {
				t.Fatalf("unexpected output: %+v", out)
			}
		})
	}
}
