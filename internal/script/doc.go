// Package script loads attack scripts written in HCL.
//
// A script names the target and the raw request template, configures the
// request engine, and lists the requests to queue behind gates:
//
//	target {
//	  endpoint   = "https://shop.example"
//	  request    = file("request.txt")
//	  base_input = "COUPON-10"
//	}
//
//	engine {
//	  concurrent_connections  = 30
//	  requests_per_connection = 100
//	  pipeline                = false
//	}
//
//	queue "redeem" {
//	  count = 30
//	  gate  = "race1"
//	}
//
//	start { timeout = "5s" }
//	open_gate = ["race1"]
//	complete { timeout = "60s" }
//
// Loading happens in two passes. The target block is decoded first so that
// the remaining blocks can refer to target.endpoint and target.base_input.
package script
