package script

import "github.com/hashicorp/hcl/v2"

// targetRoot picks the target blocks out of the merged script body.
type targetRoot struct {
	Targets []*targetBlock `hcl:"target,block"`
	Remain  hcl.Body       `hcl:",remain"`
}

type targetBlock struct {
	Endpoint  string  `hcl:"endpoint"`
	Request   string  `hcl:"request"`
	BaseInput *string `hcl:"base_input,optional"`
}

// attackRoot holds everything but the target.
type attackRoot struct {
	Engine   *engineBlock  `hcl:"engine,block"`
	Queues   []*queueBlock `hcl:"queue,block"`
	Start    *timeoutBlock `hcl:"start,block"`
	OpenGate []string      `hcl:"open_gate,optional"`
	Complete *timeoutBlock `hcl:"complete,block"`
	Output   *outputBlock  `hcl:"output,block"`
}

type engineBlock struct {
	ConcurrentConnections *int    `hcl:"concurrent_connections,optional"`
	RequestsPerConnection *int    `hcl:"requests_per_connection,optional"`
	Pipeline              *bool   `hcl:"pipeline,optional"`
	ReadFrequency         *int    `hcl:"read_frequency,optional"`
	MaxRetriesPerRequest  *int    `hcl:"max_retries_per_request,optional"`
	MaxQueueSize          *int    `hcl:"max_queue_size,optional"`
	Timeout               *string `hcl:"timeout,optional"`
}

type queueBlock struct {
	Label    string   `hcl:"label,label"`
	Count    *int     `hcl:"count,optional"`
	Payloads []string `hcl:"payloads,optional"`
	Wordlist []string `hcl:"wordlist,optional"`
	Gate     *string  `hcl:"gate,optional"`
	Learn    *int     `hcl:"learn,optional"`
}

type timeoutBlock struct {
	Timeout *string `hcl:"timeout,optional"`
}

type outputBlock struct {
	InterestingOnly *bool    `hcl:"interesting_only,optional"`
	Extract         []string `hcl:"extract,optional"`
}
