// Package main (cmd/rps) runs the remote provisioning service.
//
// Device clients connect over a websocket and drive one provisioning
// workflow per connection: admin control mode activation, client control
// mode activation, deactivation, and CIRA configuration toward a management
// presence server. Profiles, CIRA configurations and provisioning domains
// are managed through the admin API and stored in the configured storage
// backends. Passwords, provisioning certificates and activated device
// credentials go to the secrets store, Vault when --vault-addr is set.
//
// Every flag can also be set through its RPS_* environment variable.
//
// Example usage:
//
//	rps --listen-addr 0.0.0.0:8080 \
//	    --storage file:///var/lib/rps \
//	    --vault-addr http://vault:8200 --vault-token "$VAULT_TOKEN" \
//	    --mps-username admin --mps-password "$MPS_PASSWORD"
//
// The server shuts down gracefully on SIGINT or SIGTERM, closing open
// device connections.
package main
