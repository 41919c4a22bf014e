// Polis Intercept runs the policy interception engine behind an HTTP source.
//
// Usage:
//
//	# Serve with the default configuration and ./policies.yaml
//	polis-intercept serve
//
//	# Serve with a custom configuration file
//	polis-intercept serve --config /etc/intercept/config.yaml
//
//	# Check a policy file without starting the server
//	polis-intercept validate --file policies.yaml
package main

func main() {
	Execute()
}
