package report

import "sort"

// Categories is the closed set of product categories.
var Categories = []string{
	"Productivity", "Communication", "Developer Tools", "Design", "Marketing", "Finance",
	"Data & Analytics", "Security", "HR & People", "Education", "Healthcare", "Sales",
	"Customer Support", "Media", "Operations", "Legal", "Creative", "AI & ML",
}

// Subcategories lists the allowed subcategories per category.
var Subcategories = map[string][]string{
	"Productivity":     {"Note-Taking", "Task Management", "Document Collaboration", "Calendar & Scheduling", "File Storage & Sync", "Office Suite", "Other"},
	"Communication":    {"Team Chat", "Video Conferencing", "Email", "VoIP & Telephony", "Messaging", "Other"},
	"Developer Tools":  {"Source Control", "CI/CD", "IDE & Editors", "API Tools", "Monitoring & Observability", "Infrastructure & Cloud", "Databases", "Other"},
	"Design":           {"UI/UX Design", "Graphic Design", "Prototyping", "Whiteboarding", "Other"},
	"Marketing":        {"Email Marketing", "Marketing Automation", "SEO", "Social Media Management", "Advertising", "Other"},
	"Finance":          {"Accounting", "Payments", "Expense Management", "Billing & Invoicing", "Banking", "Other"},
	"Data & Analytics": {"Business Intelligence", "Product Analytics", "Data Warehousing", "ETL & Integration", "Other"},
	"Security":         {"Password Management", "Identity & Access Management", "Endpoint Security", "Network Security", "VPN", "Vulnerability Management", "Email Security", "Other"},
	"HR & People":      {"Recruiting", "Payroll", "HRIS", "Performance Management", "Other"},
	"Education":        {"Learning Management", "Online Courses", "Classroom Tools", "Other"},
	"Healthcare":       {"Electronic Health Records", "Telehealth", "Practice Management", "Other"},
	"Sales":            {"CRM", "Sales Engagement", "Sales Intelligence", "Other"},
	"Customer Support": {"Help Desk", "Live Chat", "Knowledge Base", "Other"},
	"Media":            {"Video Hosting", "Streaming", "Podcasting", "Publishing", "Other"},
	"Operations":       {"Project Management", "Workflow Automation", "IT Service Management", "Supply Chain", "Other"},
	"Legal":            {"Contract Management", "E-Signature", "Compliance Management", "Other"},
	"Creative":         {"Video Editing", "Photo Editing", "Audio Production", "3D & Animation", "Other"},
	"AI & ML":          {"AI Assistants", "ML Platforms", "Generative AI", "Data Labeling", "Other"},
}

// IsCategory reports whether c is an allowed category.
func IsCategory(c string) bool {
	_, ok := Subcategories[c]
	return ok
}

// IsSubcategory reports whether sub is allowed under category c.
func IsSubcategory(c, sub string) bool {
	for _, s := range Subcategories[c] {
		if s == sub {
			return true
		}
	}
	return false
}

// AllSubcategories returns the sorted union of every subcategory.
func AllSubcategories() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, subs := range Subcategories {
		for _, s := range subs {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
