package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipelines/pkg/domain"
)

const ordersYAML = `
endpoints:
  - name: orders
    path: /orders/{id}
    description: Order lookup and creation
    timeout: 2s
    rate_limit:
      requests_per_second: 5
      burst: 10
    methods:
      get: load-order
      post:
        - validate:
            fields:
              - name: sku
                type: string
                required: true
                min_length: 3
              - name: quantity
                type: integer
                default: 1
                min: 1
              - name: x_tenant
                source: header
        - parallel:
            preserve_input: true
            members:
              - price
              - unit: stock
                cache:
                  ttl: 30s
                  capacity: 64
        - classify
        - branches:
            1: accept
            "1": [audit, accept]
            true:
              script:
                function: run
                timeout: 250ms
                source: |
                  function run(d) { return d; }
            vip:
              rego:
                module_file: policy.rego
      delete:
        parallel: [a, b]
`

func TestParseEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policy.rego", "package orders\n\ndecision := {\"exit\": true}\n")

	snapshot, err := ParseEndpoints([]byte(ordersYAML), dir)
	require.NoError(t, err)
	require.Len(t, snapshot.Endpoints, 1)
	assert.Len(t, snapshot.Generation, 12)
	assert.False(t, snapshot.Timestamp.IsZero())

	orders := snapshot.Endpoints[0]
	assert.Equal(t, "orders", orders.Name)
	assert.Equal(t, "/orders/{id}", orders.Path)
	assert.Equal(t, 2*time.Second, orders.Timeout)
	require.NotNil(t, orders.RateLimit)
	assert.InDelta(t, 5, orders.RateLimit.RequestsPerSecond, 1e-9)
	assert.Equal(t, 10, orders.RateLimit.Burst)
	assert.Equal(t, []string{"DELETE", "GET", "POST"}, orders.MethodNames())

	get, ok := orders.Pipeline("GET")
	require.True(t, ok)
	assert.Equal(t, domain.StepSpec{Unit: "load-order"}, get)

	post, _ := orders.Pipeline("POST")
	require.Len(t, post.Sequence, 4)

	validate := post.Sequence[0].Validate
	require.NotNil(t, validate)
	require.Len(t, validate.Fields, 3)
	assert.Equal(t, 3, *validate.Fields[0].MinLength)
	assert.Equal(t, 1, validate.Fields[1].Default)
	assert.InDelta(t, 1, *validate.Fields[1].Min, 1e-9)
	assert.Equal(t, "header", validate.Fields[2].Source)

	parallel := post.Sequence[1].Parallel
	require.NotNil(t, parallel)
	assert.True(t, parallel.PreserveInput)
	require.Len(t, parallel.Members, 2)
	assert.Equal(t, "price", parallel.Members[0].Unit)
	assert.Equal(t, "stock", parallel.Members[1].Unit)
	assert.Equal(t, &domain.CacheSpec{TTL: 30 * time.Second, Capacity: 64}, parallel.Members[1].Cache)

	branches := post.Sequence[3].Branches
	require.Len(t, branches, 4)
	assert.Equal(t, "accept", branches[1].Unit)
	assert.Len(t, branches["1"].Sequence, 2)
	require.NotNil(t, branches[true].Script)
	assert.Equal(t, "run", branches[true].Script.Function)
	assert.Equal(t, 250*time.Millisecond, branches[true].Script.Timeout)
	require.NotNil(t, branches["vip"].Rego)
	assert.Contains(t, branches["vip"].Rego.Module, "package orders")

	del, _ := orders.Pipeline("DELETE")
	require.NotNil(t, del.Parallel)
	assert.False(t, del.Parallel.PreserveInput)
	assert.Len(t, del.Parallel.Members, 2)
}

func TestParseEndpointsGenerationTracksContent(t *testing.T) {
	a, err := ParseEndpoints([]byte("endpoints: []\n"), ".")
	require.NoError(t, err)
	b, err := ParseEndpoints([]byte("endpoints: []\n"), ".")
	require.NoError(t, err)
	c, err := ParseEndpoints([]byte("endpoints: []\n# changed\n"), ".")
	require.NoError(t, err)

	assert.Equal(t, a.Generation, b.Generation)
	assert.NotEqual(t, a.Generation, c.Generation)
}

func TestParseEndpointsRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"not yaml":         "endpoints: [",
		"unknown key":      "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        units: x\n",
		"null branch key":  "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        branches:\n          ~: x\n",
		"branches list":    "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        branches: [x]\n",
		"duplicate method": "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get: x\n      GET: y\n",
		"missing module":   "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        rego:\n          module_file: nope.rego\n",
		"inline and file":  "endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        script:\n          source: x\n          source_file: y.js\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEndpoints([]byte(doc), t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestParseEndpointsEmptySequenceStaysSequence(t *testing.T) {
	snapshot, err := ParseEndpoints([]byte("endpoints:\n  - name: a\n    path: /a\n    methods:\n      get:\n        sequence: []\n"), ".")
	require.NoError(t, err)

	get, _ := snapshot.Endpoints[0].Pipeline("GET")
	kind, err := get.Kind()
	require.NoError(t, err)
	assert.Equal(t, domain.StepKindSequence, kind)
	assert.Empty(t, get.Sequence)
}
