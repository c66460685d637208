// Package yamlconf provides the YAML implementation of config.Loader.
//
// The YAML document carries the same model as the HCL format:
//
//	workflow:
//	  workers: 4
//	  deadline: 5m
//	cache:
//	  ttl: 10m
//	dependencies:
//	  - name: crm
//	    circuit_breaker: {threshold: 5, recovery_timeout: 30s}
//	    pool: {connector: http, max_size: 4}
//	stages:
//	  - name: research
//	    uses: http_request
//	    dependency: crm
//	    inputs:
//	      url: "https://example.com/${input.company}"
//	  - name: report
//	    uses: print
//	    depends_on: [research]
//	    when: stage.research.output.status_code == 200
//
// `when` is parsed as an HCL expression. String inputs are parsed as HCL
// templates, so "${stage.x.output}" keeps the referenced value's type.
// Numbers, bools and nulls are taken literally, and mappings and sequences
// become object and tuple constructors whose elements follow the same rules.
package yamlconf
