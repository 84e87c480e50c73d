package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/login.html
var loginPageTemplateHTML string

//go:embed templates/consent.html
var consentPageTemplateHTML string

var loginPageTemplate = template.Must(template.New("login").Parse(loginPageTemplateHTML))
var consentPageTemplate = template.Must(template.New("consent").Parse(consentPageTemplateHTML))

// LoginPageData represents the data for the login page
type LoginPageData struct {
	ClientName string
	CSRFToken  string
	Error      string
}

// ConsentPageData represents the data for the consent page
type ConsentPageData struct {
	ClientName string
	Subject    string
	CSRFToken  string
}
