package model

// EntityType tags the nine entity variants an Entity can hold. Templates
// declare slots as a disjunction of these tags.
type EntityType int

const (
	TypeDomain EntityType = iota
	TypeEMail
	TypeHashValue
	TypeAS
	TypeIPv4
	TypeIPv6
	TypeSigner
	TypeUrl
	TypeTemplate
)

func (t EntityType) String() string {
	switch t {
	case TypeDomain:
		return "Domain"
	case TypeEMail:
		return "EMail"
	case TypeHashValue:
		return "HashValue"
	case TypeAS:
		return "AS"
	case TypeIPv4:
		return "IPv4"
	case TypeIPv6:
		return "IPv6"
	case TypeSigner:
		return "Signer"
	case TypeUrl:
		return "Url"
	case TypeTemplate:
		return "Template"
	default:
		return "Unknown"
	}
}

// ParseEntityType maps a template-slot tag to its EntityType, as used when
// parsing a template's `name(Type|Type,…)` declaration.
func ParseEntityType(s string) (EntityType, bool) {
	switch s {
	case "Domain":
		return TypeDomain, true
	case "EMail":
		return TypeEMail, true
	case "HashValue":
		return TypeHashValue, true
	case "AS":
		return TypeAS, true
	case "IPv4":
		return TypeIPv4, true
	case "IPv6":
		return TypeIPv6, true
	case "Signer":
		return TypeSigner, true
	case "Url":
		return TypeUrl, true
	case "Template":
		return TypeTemplate, true
	default:
		return 0, false
	}
}
