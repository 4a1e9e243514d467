package shell

// #region builtins

// Built-in shell names.
const (
	Mirror      = "mirror"
	Attribution = "attribution"
	Recursion   = "recursion"
)

const perturbationTail = `{{with .Perturbation}}

{{.}}{{end}}`

// mirror asks the model to reflect on its last answer against the original question.
const mirrorTemplate = `The original question was:
{{.Probe.Prompt}}

Your previous answer was:
{{.Previous}}

Restate the reasoning behind that answer in your own words, then say which parts of it you would keep and which you would change.` + perturbationTail

// attribution asks the model to source every claim of its last answer.
const attributionTemplate = `Here is an answer you gave:
{{.Previous}}

For each claim in it, state where the claim came from: the question itself, a step of your own earlier reasoning, or prior knowledge. Quote the words of the answer you are attributing.` + perturbationTail

// recursion replays the whole chain and asks the model to continue it one level deeper.
const recursionTemplate = `You are examining your own chain of reasoning about:
{{.Probe.Prompt}}
{{range .History}}
[depth {{.Depth}}] {{.Completion}}
{{end}}
Reflect on the chain above as a whole. Explain how your answer at depth {{.Depth}} should build on what came before it.` + perturbationTail

var builtinTemplates = map[string]string{
	Mirror:      mirrorTemplate,
	Attribution: attributionTemplate,
	Recursion:   recursionTemplate,
}

// #endregion builtins
