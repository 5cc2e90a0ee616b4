package crmsync

import "strings"

// Local field name <-> external CRM property name, applied identically on the
// outbound and inbound paths.
//
//	firstName <-> firstname    name     <-> name
//	lastName  <-> lastname     domain   <-> domain
//	email     <-> email        industry <-> industry
//	phone     <-> phone

var personSyncFields = []string{"firstName", "lastName", "email", "phone"}

var organizationSyncFields = []string{"name", "domain", "industry"}

func personToProperties(p Person) map[string]string {
	return map[string]string{
		"firstname": p.FirstName,
		"lastname":  p.LastName,
		"email":     p.Email,
		"phone":     p.Phone,
	}
}

func personFromProperties(props map[string]string) Person {
	return Person{
		FirstName:          props["firstname"],
		LastName:           props["lastname"],
		Email:              props["email"],
		Phone:              props["phone"],
		ExternalProperties: props,
	}
}

func personSnapshot(p Person) map[string]string {
	return map[string]string{
		"firstName": p.FirstName,
		"lastName":  p.LastName,
		"email":     p.Email,
		"phone":     p.Phone,
	}
}

func organizationToProperties(o Organization) map[string]string {
	return map[string]string{
		"name":     o.Name,
		"domain":   o.Domain,
		"industry": o.Industry,
	}
}

func organizationFromProperties(props map[string]string) Organization {
	return Organization{
		Name:               props["name"],
		Domain:             props["domain"],
		Industry:           props["industry"],
		ExternalProperties: props,
	}
}

func organizationSnapshot(o Organization) map[string]string {
	return map[string]string{
		"name":     o.Name,
		"domain":   o.Domain,
		"industry": o.Industry,
	}
}

// externalDataToProperties flattens a conflict's external-side snapshot into
// string properties. Snapshots come either from a gateway fetch (flat string
// map) or from a webhook's raw changed-fields payload, so values are
// stringly-typed best effort and unknown shapes are skipped.
func externalDataToProperties(data map[string]any) map[string]string {
	props := map[string]string{}
	for key, value := range data {
		switch typed := value.(type) {
		case string:
			props[strings.ToLower(key)] = typed
		case map[string]any:
			// HubSpot v1-style {"value": "..."} wrappers.
			if inner, ok := typed["value"].(string); ok {
				props[strings.ToLower(key)] = inner
			}
		}
	}
	return props
}
