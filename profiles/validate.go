package profiles

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"

	"github.com/miekg/dns"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

var (
	// ErrInvalidRecord is returned when a profile, CIRA config or domain fails validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrAlreadyExists is returned when creating a record whose name is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInUse is returned when deleting a CIRA config still referenced by a profile.
	ErrInUse = errors.New("record in use")
)

var (
	namePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	labelPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func validateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return invalid("%s name %q must be 1-64 letters, digits, '.', '_' or '-'", kind, name)
	}
	return nil
}

// ValidateProfile checks an AMT profile before it is stored.
func ValidateProfile(p *interfaces.AMTProfile) error {
	if p == nil {
		return invalid("missing profile")
	}
	if err := validateName("profile", p.ProfileName); err != nil {
		return err
	}
	if _, err := interfaces.ParseActivationMode(p.Activation); err != nil {
		return invalid("%v", err)
	}
	if p.AMTPassword == "" {
		return invalid("profile %s has no AMT password", p.ProfileName)
	}
	if p.CIRAConfigName != "" {
		if err := validateName("cira config", p.CIRAConfigName); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCiraConfig checks a CIRA configuration before it is stored.
func ValidateCiraConfig(c *interfaces.CIRAConfig) error {
	if c == nil {
		return invalid("missing cira config")
	}
	if err := validateName("cira config", c.ConfigName); err != nil {
		return err
	}

	switch c.ServerAddressFormat {
	case interfaces.AddressFormatIPv4:
		ip := net.ParseIP(c.MPSServerAddress)
		if ip == nil || ip.To4() == nil {
			return invalid("mps server address %q is not an IPv4 address", c.MPSServerAddress)
		}
	case interfaces.AddressFormatIPv6:
		ip := net.ParseIP(c.MPSServerAddress)
		if ip == nil || ip.To4() != nil {
			return invalid("mps server address %q is not an IPv6 address", c.MPSServerAddress)
		}
	case interfaces.AddressFormatFQDN:
		if !isHostname(c.MPSServerAddress, 2) {
			return invalid("mps server address %q is not a fully qualified domain name", c.MPSServerAddress)
		}
	default:
		return invalid("unsupported server address format %d", c.ServerAddressFormat)
	}

	if c.MPSPort < 1 || c.MPSPort > 65535 {
		return invalid("mps port %d out of range", c.MPSPort)
	}
	if c.Username == "" || c.Password == "" {
		return invalid("cira config %s requires mps username and password", c.ConfigName)
	}
	if c.MPSRootCertificate == "" {
		return invalid("cira config %s requires the mps root certificate", c.ConfigName)
	}
	if _, err := base64.StdEncoding.DecodeString(c.MPSRootCertificate); err != nil {
		return invalid("mps root certificate is not base64: %v", err)
	}
	return nil
}

// ValidateDomain checks a provisioning domain before it is stored.
func ValidateDomain(d *interfaces.Domain) error {
	if d == nil {
		return invalid("missing domain")
	}
	if err := validateName("domain", d.ProfileName); err != nil {
		return err
	}
	if !isHostname(d.DomainSuffix, 2) {
		return invalid("domain suffix %q is not a valid domain name", d.DomainSuffix)
	}
	if d.ProvisioningCert == "" {
		return invalid("domain %s requires a provisioning certificate", d.ProfileName)
	}
	if _, err := base64.StdEncoding.DecodeString(d.ProvisioningCert); err != nil {
		return invalid("provisioning certificate is not base64: %v", err)
	}
	return nil
}

// isHostname reports whether name is a DNS host name with at least minLabels
// letter-digit-hyphen labels.
func isHostname(name string, minLabels int) bool {
	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}
	labels := dns.SplitDomainName(name)
	if len(labels) < minLabels {
		return false
	}
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return false
		}
	}
	return true
}

// MatchesDomain reports whether fqdn is suffix or a host below it, ignoring case.
func MatchesDomain(fqdn, suffix string) bool {
	fqdn = dns.CanonicalName(fqdn)
	suffix = dns.CanonicalName(suffix)
	if suffix == "." {
		return false
	}
	return dns.IsSubDomain(suffix, fqdn)
}
