package saml

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile fields resolvable from assertion attributes.
const (
	FieldUserID      = "user_id"
	FieldEmail       = "email"
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
	FieldDisplayName = "display_name"
	FieldGroups      = "groups"
)

// defaultChains are the ordered attribute lookup chains per profile field.
// Site-specific claim URIs come first, then the standard WS-Fed/LDAP URIs,
// then the bare names some IdPs emit. Email and user id additionally fall
// back to the assertion NameID, handled in resolveProfile.
var defaultChains = map[string][]string{
	FieldUserID: {
		"http://schemas.relaycrm.com/identity/claims/userid",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
		"urn:oid:0.9.2342.19200300.100.1.1",
		"uid",
	},
	FieldEmail: {
		"http://schemas.relaycrm.com/identity/claims/email",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
		"email",
		"mail",
	},
	FieldFirstName: {
		"http://schemas.relaycrm.com/identity/claims/firstname",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
		"urn:oid:2.5.4.42",
		"givenName",
		"first_name",
	},
	FieldLastName: {
		"http://schemas.relaycrm.com/identity/claims/lastname",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
		"urn:oid:2.5.4.4",
		"sn",
		"last_name",
	},
	FieldDisplayName: {
		"http://schemas.relaycrm.com/identity/claims/displayname",
		"http://schemas.microsoft.com/identity/claims/displayname",
		"urn:oid:2.16.840.1.113730.3.1.241",
		"displayName",
		"cn",
	},
	FieldGroups: {
		"http://schemas.relaycrm.com/identity/claims/groups",
		"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
		"http://schemas.xmlsoap.org/claims/Group",
		"groups",
		"memberOf",
	},
}

// AttributeMap is the per-field ordered list of attribute URIs to try.
type AttributeMap map[string][]string

// DefaultAttributeMap returns a copy of the built-in lookup chains.
func DefaultAttributeMap() AttributeMap {
	m := make(AttributeMap, len(defaultChains))
	for field, chain := range defaultChains {
		m[field] = append([]string(nil), chain...)
	}
	return m
}

// mappingFile is the YAML shape for per-deployment attribute overrides.
type mappingFile struct {
	Attributes map[string][]string `yaml:"attributes"`
}

// LoadAttributeMap reads a YAML override file and prepends its URIs to the
// default chains, so deployment-specific claims win over the standard ones.
// An empty path returns the defaults unchanged.
func LoadAttributeMap(path string) (AttributeMap, error) {
	m := DefaultAttributeMap()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute mapping: %w", err)
	}
	var file mappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse attribute mapping: %w", err)
	}

	for field, uris := range file.Attributes {
		if _, known := m[field]; !known {
			return nil, fmt.Errorf("unknown profile field %q in attribute mapping", field)
		}
		m[field] = append(append([]string(nil), uris...), m[field]...)
	}
	return m, nil
}
