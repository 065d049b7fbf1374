package auth

import "strings"

// ApplyMasking redacts sensitive fields of a response payload according to
// the viewer's role. ADMIN, DOCTOR and EMERGENCY see data unmasked; every
// other role gets SSN and phone reduced to their last four digits and email
// reduced to its first two characters plus domain. Masking applies only to
// data leaving the engine, never to stored rows. The input map is not
// modified.
func ApplyMasking(data map[string]any, role Role) map[string]any {
	switch role {
	case RoleAdmin, RoleDoctor, RoleEmergency:
		return data
	}

	masked := make(map[string]any, len(data))
	for k, v := range data {
		masked[k] = v
	}
	if ssn, ok := masked["ssn"].(string); ok && ssn != "" {
		masked["ssn"] = MaskSSN(ssn)
	}
	if phone, ok := masked["phone"].(string); ok && phone != "" {
		masked["phone"] = MaskPhone(phone)
	}
	if email, ok := masked["email"].(string); ok && email != "" {
		masked["email"] = MaskEmail(email)
	}
	return masked
}

// MaskSSN reduces a social security number to its last four digits.
func MaskSSN(ssn string) string {
	if len(ssn) < 4 {
		return "***-**-****"
	}
	return "***-**-" + ssn[len(ssn)-4:]
}

// MaskPhone reduces a phone number to its last four digits.
func MaskPhone(phone string) string {
	if len(phone) < 4 {
		return "***-***-****"
	}
	return "***-***-" + phone[len(phone)-4:]
}

// MaskEmail keeps the first two characters of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***@***.***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
