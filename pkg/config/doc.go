// Package config loads the sshrescue tool configuration.
//
// The configuration is a CUE file with a single sshrescue block:
//
//	sshrescue: {
//		remediate: true
//		excludedUsers: ["ssm-user", "ec2-instance-connect"]
//		policies: minSeverity: "error"
//		telemetry: metricsTextfile: "/var/lib/node_exporter/sshrescue.prom"
//	}
//
// The block is unified with the built-in #Config schema, which closes the
// set of fields and supplies every default, so an absent file yields a
// complete configuration. The decoded Config is then checked against its
// validator struct tags.
//
// The SchemaRegistry also carries the #Policy schema used to check JSON
// policy documents before they reach the policy engine.
package config
