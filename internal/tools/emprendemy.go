package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/email"
	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/utils"
	"github.com/Conversly/wa-orchestrator/internal/whatsapp"
)

// Emprendemy online-course toolset. Course and pricing data live here as
// static tables; everything user-facing is generated in the tenant's voice
// by a no-tools completion over the live conversation.

type coursePricing struct {
	Symbol     string
	Currency   string
	Price      float64
	FinalPrice float64
}

var emprendemyPrices = map[string]coursePricing{
	"AR":    {Symbol: "$", Currency: "ARS", Price: 64999, FinalPrice: 29249},
	"MX":    {Symbol: "$", Currency: "MXN", Price: 1299, FinalPrice: 584},
	"CO":    {Symbol: "$", Currency: "COP", Price: 259000, FinalPrice: 116550},
	"OTHER": {Symbol: "US$", Currency: "USD", Price: 64.99, FinalPrice: 29.24},
}

type courseInfo struct {
	ID                 string
	Name               string
	Title              string
	SellingDescription string
	Duration           string
	Units              string
	Requirements       string
	SignupURL          string
}

var emprendemyCourses = map[string]courseInfo{
	"mecanica-bicicletas": {
		ID:                 "mecanica-bicicletas",
		Name:               "Mecánica de Bicicletas",
		Title:              "Curso de Mecánica de Bicicletas",
		SellingDescription: "Aprendé a reparar y mantener cualquier bicicleta desde cero, con práctica real y certificado incluido.",
		Duration:           "12 horas de video",
		Units:              "Frenos, transmisión, rodamientos, armado completo",
		Requirements:       "No se necesita experiencia previa",
		SignupURL:          "https://emprendemy.com/cursos/mecanica-bicicletas",
	},
	"electricidad-domiciliaria": {
		ID:                 "electricidad-domiciliaria",
		Name:               "Electricidad Domiciliaria",
		Title:              "Curso de Electricidad Domiciliaria",
		SellingDescription: "Instalaciones eléctricas seguras para el hogar, de la teoría a la obra, con certificado incluido.",
		Duration:           "15 horas de video",
		Units:              "Circuitos, tableros, puesta a tierra, normativa",
		Requirements:       "No se necesita experiencia previa",
		SignupURL:          "https://emprendemy.com/cursos/electricidad-domiciliaria",
	},
}

type supervisorNotification struct {
	SubjectPrefix string
	Description   string
}

var supervisorNotifications = map[string]supervisorNotification{
	"human_assistance": {SubjectPrefix: "[Asistencia humana]", Description: "El usuario pidió hablar con una persona"},
	"complaint":        {SubjectPrefix: "[Reclamo]", Description: "El usuario presentó un reclamo"},
	"sale_opportunity": {SubjectPrefix: "[Oportunidad de venta]", Description: "El usuario mostró intención de compra"},
}

// EmprendemyPriority is the tenant's tool execution ordering: informational
// lookups run before outbound sends, supervisor escalation always last.
var EmprendemyPriority = map[string]int{
	"get_course_details":              1,
	"get_course_price":                2,
	"send_emprendemy_contact":         3,
	"send_sign_up_message":            4,
	"send_conversation_to_supervisor": 5,
}

// EmprendemyToolset bundles the side-effect clients the tools need.
type EmprendemyToolset struct {
	wa         whatsapp.Sender
	mail       email.Sender
	adminEmail string
}

// NewEmprendemyExecutor registers the full emprendemy toolset on a fresh
// executor.
func NewEmprendemyExecutor(wa whatsapp.Sender, mail email.Sender, adminEmail string) *Executor {
	ts := &EmprendemyToolset{wa: wa, mail: mail, adminEmail: adminEmail}
	e := NewExecutor(EmprendemyPriority)

	e.Register(&schema.ToolInfo{
		Name: "get_course_price",
		Desc: "Obtiene el precio del curso para el país del usuario y le envía un mensaje con los precios",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"country_code": {
				Type:     schema.String,
				Desc:     "Código ISO del país del usuario, por ejemplo AR, MX, CO",
				Required: true,
			},
		}),
	}, ts.GetCoursePrice)

	e.Register(&schema.ToolInfo{
		Name: "get_course_details",
		Desc: "Responde una consulta del usuario sobre el contenido, duración o requisitos de un curso",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"course_id": {
				Type:     schema.String,
				Desc:     "Identificador del curso consultado",
				Required: true,
			},
			"info_type": {
				Type: schema.String,
				Desc: "Tipo de información pedida: general o specific",
				Enum: []string{"general", "specific"},
			},
		}),
	}, ts.GetCourseDetails)

	e.Register(&schema.ToolInfo{
		Name:        "send_emprendemy_contact",
		Desc:        "Envía la tarjeta de contacto de Emprendemy al usuario",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, ts.SendContact)

	e.Register(&schema.ToolInfo{
		Name: "send_sign_up_message",
		Desc: "Envía el link de inscripción de un curso con un botón de compra",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"course_id": {
				Type:     schema.String,
				Desc:     "Identificador del curso a inscribir",
				Required: true,
			},
			"catchy_phrase": {
				Type: schema.String,
				Desc: "Frase corta y entusiasta para acompañar el link",
			},
		}),
	}, ts.SendSignUpMessage)

	e.Register(&schema.ToolInfo{
		Name: "send_conversation_to_supervisor",
		Desc: "Escala la conversación a un supervisor humano por email",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"notification_type": {
				Type:     schema.String,
				Desc:     "Motivo de la escalación",
				Enum:     []string{"human_assistance", "complaint", "sale_opportunity"},
				Required: true,
			},
		}),
	}, ts.SendToSupervisor)

	return e
}

func (ts *EmprendemyToolset) GetCoursePrice(ctx context.Context, turn Turn, args map[string]interface{}) Result {
	turn.AuditFunction(ctx, "get_course_price", args)

	country := strings.ToUpper(stringArg(args, "country_code"))
	pricing, ok := emprendemyPrices[country]
	if !ok {
		pricing = emprendemyPrices["OTHER"]
	}

	prompt := fmt.Sprintf(
		"Redactá un mensaje corto de WhatsApp con los precios del curso para el usuario.\n"+
			"Precio de lista: %s%.0f %s. Precio final con descuento: %s%.0f %s.\n"+
			"Mantené el tono de la conversación:\n%s",
		pricing.Symbol, pricing.Price, pricing.Currency,
		pricing.Symbol, pricing.FinalPrice, pricing.Currency,
		renderMessages(turn.Messages()),
	)

	completion, err := turn.Complete(ctx, &llm.Request{
		Messages:   []*schema.Message{schema.SystemMessage(prompt)},
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		return Failure(err.Error())
	}
	if completion.Content == "" {
		return Failure("No message content generated")
	}

	if err := turn.Deliver(ctx, Reply{Send: &completion.Content}); err != nil {
		return Failure(err.Error())
	}

	return Result{
		Success:              true,
		Data:                 map[string]interface{}{},
		Behavior:             RequiresFollowUp,
		FollowUpInstructions: "IMPORTANTE: ya has enviado los precios",
	}
}

func (ts *EmprendemyToolset) GetCourseDetails(ctx context.Context, turn Turn, args map[string]interface{}) Result {
	turn.AuditFunction(ctx, "get_course_details", args)

	course, ok := emprendemyCourses[stringArg(args, "course_id")]
	if !ok {
		return Failure("Course not found")
	}

	var prompt string
	if stringArg(args, "info_type") == "general" {
		prompt = fmt.Sprintf(
			"Presentá el curso '%s' en un mensaje corto de WhatsApp basándote en esta descripción: %s\n"+
				"Mantené el tono de la conversación:\n%s",
			course.Title, course.SellingDescription, renderMessages(turn.Messages()),
		)
	} else {
		courseData, _ := json.Marshal(course)
		prompt = fmt.Sprintf(
			"Respondé la consulta del usuario sobre el curso usando solamente estos datos:\n%s\n"+
				"Conversación:\n%s",
			string(courseData), renderMessages(turn.Messages()),
		)
	}

	completion, err := turn.Complete(ctx, &llm.Request{
		Messages:   []*schema.Message{schema.SystemMessage(prompt)},
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		return Failure(err.Error())
	}
	if completion.Content == "" {
		return Failure("No response generated for course details")
	}

	if err := turn.Deliver(ctx, Reply{Send: &completion.Content}); err != nil {
		return Failure(err.Error())
	}

	return Result{
		Success:              true,
		Data:                 map[string]interface{}{},
		Behavior:             RequiresFollowUp,
		FollowUpInstructions: "IMPORTANTE: la consulta sobre el curso ya ha sido contestada",
	}
}

func (ts *EmprendemyToolset) SendContact(ctx context.Context, turn Turn, args map[string]interface{}) Result {
	turn.AuditFunction(ctx, "send_emprendemy_contact", args)

	card := whatsapp.ContactCard{
		FormattedName: "Emprendemy",
		Organization:  "Emprendemy",
		Phone:         "+54 9 11 2345-6789",
		WaID:          "5491123456789",
		URL:           "https://emprendemy.com",
	}
	if err := ts.wa.SendContact(ctx, turn.Sender(), card); err != nil {
		return Failure(err.Error())
	}

	note := "Mensaje de Whatsapp con contacto de Emprendemy enviado."
	if err := turn.Deliver(ctx, Reply{Context: &note, ContextRole: schema.System}); err != nil {
		return Failure(err.Error())
	}

	return Result{
		Success:              true,
		Data:                 map[string]interface{}{},
		Behavior:             RequiresFollowUp,
		FollowUpInstructions: "IMPORTANTE: YA HAS ENVIADO EL CONTACTO PEDIDO.",
	}
}

func (ts *EmprendemyToolset) SendSignUpMessage(ctx context.Context, turn Turn, args map[string]interface{}) Result {
	turn.AuditFunction(ctx, "send_sign_up_message", args)

	course, ok := emprendemyCourses[stringArg(args, "course_id")]
	if !ok {
		utils.Zlog.Error("Course info not found for signup",
			zap.String("course_id", stringArg(args, "course_id")))
		return Failure("Course not found")
	}

	catchyPhrase := stringArg(args, "catchy_phrase")
	if catchyPhrase == "" {
		catchyPhrase = "Tremendo curso!"
	}

	cta := whatsapp.CTAMessage{
		Body:        fmt.Sprintf("%s\nInscribite al curso '%s' con un 55%% de descuento.", catchyPhrase, course.Name),
		DisplayText: "Inscribirme",
		URL:         course.SignupURL,
	}
	if err := ts.wa.SendCTAURL(ctx, turn.Sender(), cta); err != nil {
		return Failure(err.Error())
	}

	note := fmt.Sprintf("Se envió link de inscripción para el curso '%s'", course.Name)
	if err := turn.Deliver(ctx, Reply{Context: &note, ContextRole: schema.System}); err != nil {
		return Failure(err.Error())
	}

	return Result{
		Success:              true,
		Data:                 map[string]interface{}{},
		Behavior:             RequiresFollowUp,
		FollowUpInstructions: "IMPORTANTE: YA HAS ENVIADO EL LINK DE INSCRIPCION.",
	}
}

func (ts *EmprendemyToolset) SendToSupervisor(ctx context.Context, turn Turn, args map[string]interface{}) Result {
	turn.AuditFunction(ctx, "send_conversation_to_supervisor", args)

	notificationType := stringArg(args, "notification_type")
	info, ok := supervisorNotifications[notificationType]
	if !ok {
		return Failure("Invalid notification type: " + notificationType)
	}

	sender := turn.Sender()
	subject := fmt.Sprintf("%s - Usuario %s", info.SubjectPrefix, lastDigits(sender, 4))
	html := supervisorEmailHTML(info, sender, turn.Messages())

	if err := ts.mail.Send(ctx, subject, html, []string{ts.adminEmail}); err != nil {
		return Failure(err.Error())
	}

	note := fmt.Sprintf("Se envio mail al supervisor sobre %s", notificationType)
	if err := turn.Deliver(ctx, Reply{Context: &note, ContextRole: schema.System}); err != nil {
		return Failure(err.Error())
	}

	return Result{
		Success:              true,
		Data:                 map[string]interface{}{},
		Behavior:             RequiresFollowUp,
		FollowUpInstructions: "IMPORTANTE: EL MAIL SE HA ENVIADO, MENCIONALO",
	}
}

func supervisorEmailHTML(info supervisorNotification, sender string, history []*schema.Message) string {
	var b strings.Builder
	b.WriteString("<h3>" + info.Description + "</h3>")
	b.WriteString("<p>Usuario: " + sender + "</p>")
	b.WriteString("<hr/><ul>")
	for _, m := range history {
		b.WriteString(fmt.Sprintf("<li><b>%s:</b> %s</li>", m.Role, m.Content))
	}
	b.WriteString("</ul>")
	return b.String()
}

func renderMessages(messages []*schema.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
