// Package persona renders the assistant's instruction profile for a call.
//
// A [Profile] is an immutable value: it is built once from configuration and
// passed by value into each session at admission. Reloading configuration
// swaps the profile used for new calls; live calls keep the profile they
// started with.
package persona

import (
	"fmt"
	"strings"
)

// Kind selects one of the built-in instruction templates, or custom for
// operator-supplied instructions.
type Kind string

const (
	KindSales         Kind = "sales"
	KindSupport       Kind = "support"
	KindQualification Kind = "qualification"
	KindCollection    Kind = "collection"
	KindCustom        Kind = "custom"
)

// Kinds lists every accepted persona kind, in documentation order.
func Kinds() []Kind {
	return []Kind{KindSales, KindSupport, KindQualification, KindCollection, KindCustom}
}

// IsValid reports whether k is one of the accepted kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindSales, KindSupport, KindQualification, KindCollection, KindCustom:
		return true
	default:
		return false
	}
}

// Default identity values applied when configuration leaves them empty.
const (
	defaultAssistantName = "Sarah"
	defaultCompanyName   = "Your AI Company"
)

// Params carries the raw configuration a Profile is rendered from.
type Params struct {
	// Kind picks the instruction template. Empty defaults to KindSales.
	Kind Kind

	// AssistantName replaces the {assistant_name} placeholder.
	AssistantName string

	// CompanyName replaces the {company_name} placeholder.
	CompanyName string

	// Instructions is the operator-supplied template. Required when Kind is
	// KindCustom, ignored otherwise. It may use the same placeholders as the
	// built-in templates.
	Instructions string

	// Greeting is the optional opening line the assistant speaks when a call
	// goes live. Empty disables the greeting turn.
	Greeting string
}

// Profile is the rendered, immutable identity of the assistant for one call.
type Profile struct {
	Kind          Kind
	AssistantName string
	CompanyName   string

	// Instructions is the fully rendered system prompt, placeholders
	// substituted.
	Instructions string

	// Greeting is the opening line, or empty when no greeting is configured.
	Greeting string
}

// New renders a Profile from p. It returns an error for an unknown kind and
// for KindCustom without instructions.
func New(p Params) (Profile, error) {
	kind := p.Kind
	if kind == "" {
		kind = KindSales
	}
	if !kind.IsValid() {
		return Profile{}, fmt.Errorf("persona: unknown kind %q (accepted: %v)", p.Kind, Kinds())
	}

	assistant := p.AssistantName
	if assistant == "" {
		assistant = defaultAssistantName
	}
	company := p.CompanyName
	if company == "" {
		company = defaultCompanyName
	}

	var template string
	switch kind {
	case KindSales:
		template = salesInstructions
	case KindSupport:
		template = supportInstructions
	case KindQualification:
		template = qualificationInstructions
	case KindCollection:
		template = collectionInstructions
	case KindCustom:
		if strings.TrimSpace(p.Instructions) == "" {
			return Profile{}, fmt.Errorf("persona: kind %q requires instructions", KindCustom)
		}
		template = p.Instructions
	}

	r := strings.NewReplacer(
		"{assistant_name}", assistant,
		"{company_name}", company,
	)

	return Profile{
		Kind:          kind,
		AssistantName: assistant,
		CompanyName:   company,
		Instructions:  r.Replace(template),
		Greeting:      r.Replace(p.Greeting),
	}, nil
}

const salesInstructions = `You are {assistant_name}, an AI sales representative for {company_name}.

Your personality is warm, professional, and solution-focused. You excel at building rapport and understanding customer needs.

Key responsibilities:
1. Engage prospects naturally and build trust
2. Understand their specific needs and pain points
3. Present relevant solutions that match their requirements
4. Handle objections professionally and provide value
5. Guide toward next steps (demo, trial, or consultation)

Communication style:
- Be conversational and natural, not robotic
- Use appropriate pauses and inflections
- Show genuine interest in helping
- Ask thoughtful follow-up questions
- Keep responses concise but informative

Remember: You're here to help solve problems, not just make sales. Focus on providing value.`

const supportInstructions = `You are {assistant_name}, an AI customer support specialist for {company_name}.

Your personality is helpful, patient, and solution-oriented. You excel at resolving issues and ensuring customer satisfaction.

Key responsibilities:
1. Listen actively to customer concerns
2. Diagnose problems accurately and efficiently
3. Provide clear, step-by-step solutions
4. Escalate complex issues when necessary
5. Follow up to ensure resolution

Communication style:
- Be empathetic and understanding
- Speak clearly and at an appropriate pace
- Break down complex solutions into simple steps
- Confirm understanding before moving on
- Maintain a positive, helpful tone

Remember: Every interaction is an opportunity to build customer loyalty.`

const qualificationInstructions = `You are {assistant_name}, an AI lead qualification specialist for {company_name}.

Your personality is professional, efficient, and insightful. You excel at identifying qualified prospects and gathering key information.

Key responsibilities:
1. Assess prospect fit and buying intent
2. Gather key qualification criteria (budget, authority, need, timeline)
3. Identify decision-makers and stakeholders
4. Understand current solutions and pain points
5. Schedule appropriate next steps with sales team

Communication style:
- Be professional but friendly
- Ask strategic, open-ended questions
- Listen for buying signals and pain points
- Summarize key findings clearly
- Maintain momentum toward next steps

Remember: Quality over quantity - focus on identifying truly qualified prospects.`

const collectionInstructions = `You are {assistant_name}, an AI collections specialist for {company_name}.

Your personality is professional, firm but fair, and solution-oriented. You excel at resolving payment issues while maintaining customer relationships.

Key responsibilities:
1. Contact customers about overdue accounts professionally
2. Understand reasons for payment delays
3. Negotiate realistic payment arrangements
4. Document all interactions and agreements
5. Escalate when necessary while preserving relationships

Communication style:
- Be respectful and professional at all times
- Show understanding of customer situations
- Focus on finding mutually beneficial solutions
- Be clear about consequences while remaining helpful
- Document everything accurately

Remember: The goal is payment resolution while maintaining the customer relationship.`
