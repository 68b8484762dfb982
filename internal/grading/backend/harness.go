package backend

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"reforge/internal/content"
	apperrors "reforge/pkg/errors"
)

// trackRuntime describes how a track's code is executed remotely.
type trackRuntime struct {
	Language string
	Version  string
	Filename string
}

// User code is always delivered base64-embedded and test payloads via
// stdin, never via argv, so shell escaping can never alter semantics.
var trackRuntimes = map[string]trackRuntime{
	"javascript": {Language: "javascript", Version: "18.15.0", Filename: "index.js"},
	"python":     {Language: "python", Version: "3.10.0", Filename: "main.py"},
}

func runtimeFor(track string) (trackRuntime, error) {
	rt, ok := trackRuntimes[track]
	if !ok {
		return trackRuntime{}, apperrors.Newf(apperrors.TrackNotSupported, "no harness for track %s", track)
	}
	return rt, nil
}

// suitePayload is what a suite harness reads from stdin.
type suitePayload struct {
	Tests []suiteTest `json:"tests"`
}

type suiteTest struct {
	ID       string          `json:"id"`
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected"`
	Hidden   bool            `json:"hidden"`
	Hint     string          `json:"hint,omitempty"`
}

// buildSuitePayload serializes the test list for a suite harness run.
func buildSuitePayload(tests []content.TestCase) ([]byte, error) {
	p := suitePayload{Tests: make([]suiteTest, len(tests))}
	for i, t := range tests {
		p.Tests[i] = suiteTest{
			ID:       t.ID,
			Input:    t.Input,
			Expected: t.Expected,
			Hidden:   t.Hidden,
			Hint:     t.Hint,
		}
	}
	return json.Marshal(p)
}

// buildSuiteHarness returns a single program that reads the suite payload
// from stdin, runs every test against the embedded user code, and prints
// one grading record to stdout. A syntax error in the user code produces a
// record with an error string rather than crashing the harness.
func buildSuiteHarness(track, code string) (trackRuntime, string, error) {
	rt, err := runtimeFor(track)
	if err != nil {
		return trackRuntime{}, "", err
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(code))
	switch track {
	case "javascript":
		return rt, fmt.Sprintf(jsSuiteHarness, b64), nil
	case "python":
		return rt, fmt.Sprintf(pySuiteHarness, b64), nil
	}
	return trackRuntime{}, "", apperrors.Newf(apperrors.TrackNotSupported, "no harness for track %s", track)
}

// buildCaseHarness returns a program that reads one serialized input from
// stdin, calls the embedded solution, and prints the serialized return
// value. The remote judge compares stdout against the expected output.
func buildCaseHarness(track, code string) (trackRuntime, string, error) {
	rt, err := runtimeFor(track)
	if err != nil {
		return trackRuntime{}, "", err
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(code))
	switch track {
	case "javascript":
		return rt, fmt.Sprintf(jsCaseHarness, b64), nil
	case "python":
		return rt, fmt.Sprintf(pyCaseHarness, b64), nil
	}
	return trackRuntime{}, "", apperrors.Newf(apperrors.TrackNotSupported, "no harness for track %s", track)
}

const jsSuiteHarness = `const fs=require("fs");
const payload=JSON.parse(fs.readFileSync(0,"utf8")||'{"tests":[]}');
const code=Buffer.from("%s","base64").toString();
try{new Function(code);}catch(e){
  process.stdout.write(JSON.stringify({passed:false,summary:{passedCount:0,total:0},error:String(e&&e.message||e)}));
  process.exit(0);
}
const details=[];let ok=0;
for(const t of payload.tests){
  const started=Date.now();
  try{
    const fn=new Function("input",code+"\nreturn solution(...(Array.isArray(input)?input:[input]));");
    const got=fn(t.input);
    const pass=JSON.stringify(got)===JSON.stringify(t.expected);
    if(pass)ok++;
    details.push({testId:t.id,passed:pass,stdout:JSON.stringify(got),stderr:"",durationMs:Date.now()-started,isHidden:!!t.hidden,hint:!pass&&t.hint?t.hint:undefined});
  }catch(e){
    details.push({testId:t.id,passed:false,stdout:"",stderr:String(e&&e.message||e),durationMs:Date.now()-started,isHidden:!!t.hidden,hint:t.hint||undefined});
  }
}
process.stdout.write(JSON.stringify({passed:ok===payload.tests.length,details:details,summary:{passedCount:ok,total:payload.tests.length}}));
`

const pySuiteHarness = `import base64,json,sys,time
payload=json.load(sys.stdin) if not sys.stdin.isatty() else {"tests":[]}
code=base64.b64decode("%s").decode()
try:
    compiled=compile(code,"solution","exec")
except SyntaxError as e:
    print(json.dumps({"passed":False,"summary":{"passedCount":0,"total":0},"error":str(e)}))
    sys.exit(0)
details=[];ok=0
for t in payload.get("tests",[]):
    started=time.time()
    try:
        ns={}
        exec(compiled,ns)
        fn=ns.get("solution") or ns.get("main")
        inp=t.get("input")
        got=fn(*inp) if isinstance(inp,list) else fn(inp)
        pass_=json.dumps(got)==json.dumps(t.get("expected"))
        if pass_:ok+=1
        d={"testId":t["id"],"passed":pass_,"stdout":json.dumps(got),"stderr":"","durationMs":int((time.time()-started)*1000),"isHidden":bool(t.get("hidden"))}
        if not pass_ and t.get("hint"):d["hint"]=t["hint"]
        details.append(d)
    except Exception as e:
        d={"testId":t["id"],"passed":False,"stdout":"","stderr":str(e),"durationMs":int((time.time()-started)*1000),"isHidden":bool(t.get("hidden"))}
        if t.get("hint"):d["hint"]=t["hint"]
        details.append(d)
total=len(payload.get("tests",[]))
print(json.dumps({"passed":ok==total,"details":details,"summary":{"passedCount":ok,"total":total}}))
`

const jsCaseHarness = `const fs=require("fs");
const raw=fs.readFileSync(0,"utf8");
const input=raw?JSON.parse(raw):null;
const code=Buffer.from("%s","base64").toString();
const fn=new Function("input",code+"\nreturn solution(...(Array.isArray(input)?input:[input]));");
process.stdout.write(JSON.stringify(fn(input)));
`

const pyCaseHarness = `import base64,json,sys
raw=sys.stdin.read()
input_value=json.loads(raw) if raw.strip() else None
ns={}
exec(base64.b64decode("%s").decode(),ns)
fn=ns.get("solution") or ns.get("main")
got=fn(*input_value) if isinstance(input_value,list) else fn(input_value)
sys.stdout.write(json.dumps(got))
`
