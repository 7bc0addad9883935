package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		rootLoginPolicy(),
		emptyPasswordsPolicy(),
		passwordAuthenticationPolicy(),
		legacyProtocolPolicy(),
		strictModesPolicy(),
		maxAuthTriesPolicy(),
		x11ForwardingPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Rego:        rego,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// rootLoginPolicy forbids password logins as root.
func rootLoginPolicy() Policy {
	return builtin("root-login",
		"Forbids direct root login with a password",
		SeverityError,
		[]string{"authentication", "root"},
		`package sshrescue.policies.root_login

import rego.v1

# sshd honours the first occurrence of a keyword
deny contains violation if {
	value := lower(input.config.permitrootlogin[0])
	value == "yes"
	violation := {
		"keyword": "PermitRootLogin",
		"message": "PermitRootLogin allows root to log in with a password",
		"severity": "error",
		"remediation": "Set PermitRootLogin to prohibit-password or no",
	}
}
`)
}

// emptyPasswordsPolicy forbids accounts with empty passwords.
func emptyPasswordsPolicy() Policy {
	return builtin("empty-passwords",
		"Forbids login to accounts with empty passwords",
		SeverityCritical,
		[]string{"authentication"},
		`package sshrescue.policies.empty_passwords

import rego.v1

deny contains violation if {
	lower(input.config.permitemptypasswords[0]) == "yes"
	violation := {
		"keyword": "PermitEmptyPasswords",
		"message": "PermitEmptyPasswords allows login without a password",
		"severity": "critical",
		"remediation": "Set PermitEmptyPasswords to no",
	}
}
`)
}

// passwordAuthenticationPolicy flags password authentication.
func passwordAuthenticationPolicy() Policy {
	return builtin("password-authentication",
		"Flags password authentication in favour of public keys",
		SeverityWarning,
		[]string{"authentication"},
		`package sshrescue.policies.password_authentication

import rego.v1

deny contains violation if {
	lower(input.config.passwordauthentication[0]) == "yes"
	violation := {
		"keyword": "PasswordAuthentication",
		"message": "PasswordAuthentication exposes accounts to password guessing",
		"severity": "warning",
		"remediation": "Set PasswordAuthentication to no once every user has a key",
	}
}
`)
}

// legacyProtocolPolicy forbids SSH protocol version 1.
func legacyProtocolPolicy() Policy {
	return builtin("legacy-protocol",
		"Forbids the broken SSH-1 protocol",
		SeverityCritical,
		[]string{"protocol"},
		`package sshrescue.policies.legacy_protocol

import rego.v1

deny contains violation if {
	versions := split(input.config.protocol[0], ",")
	"1" in versions
	violation := {
		"keyword": "Protocol",
		"message": "Protocol enables SSH-1",
		"severity": "critical",
		"remediation": "Set Protocol to 2 or remove the keyword",
	}
}
`)
}

// strictModesPolicy requires sshd's own ownership and mode checks.
func strictModesPolicy() Policy {
	return builtin("strict-modes",
		"Requires sshd to verify home and key file permissions",
		SeverityError,
		[]string{"permissions"},
		`package sshrescue.policies.strict_modes

import rego.v1

deny contains violation if {
	lower(input.config.strictmodes[0]) == "no"
	violation := {
		"keyword": "StrictModes",
		"message": "StrictModes no lets sshd accept world-writable key files",
		"severity": "error",
		"remediation": "Set StrictModes to yes",
	}
}
`)
}

// maxAuthTriesPolicy bounds authentication attempts per connection.
func maxAuthTriesPolicy() Policy {
	return builtin("max-auth-tries",
		"Bounds authentication attempts per connection",
		SeverityWarning,
		[]string{"authentication", "brute-force"},
		`package sshrescue.policies.max_auth_tries

import rego.v1

limit := 6

deny contains violation if {
	tries := to_number(input.config.maxauthtries[0])
	tries > limit
	violation := {
		"keyword": "MaxAuthTries",
		"message": sprintf("MaxAuthTries %d exceeds %d", [tries, limit]),
		"severity": "warning",
		"remediation": sprintf("Set MaxAuthTries to %d or less", [limit]),
	}
}
`)
}

// x11ForwardingPolicy notes enabled X11 forwarding.
func x11ForwardingPolicy() Policy {
	return builtin("x11-forwarding",
		"Notes X11 forwarding, rarely needed on servers",
		SeverityInfo,
		[]string{"forwarding"},
		`package sshrescue.policies.x11_forwarding

import rego.v1

deny contains violation if {
	lower(input.config.x11forwarding[0]) == "yes"
	violation := {
		"keyword": "X11Forwarding",
		"message": "X11Forwarding is enabled",
		"severity": "info",
		"remediation": "Set X11Forwarding to no unless graphical sessions are required",
	}
}
`)
}
