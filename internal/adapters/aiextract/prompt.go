package aiextract

// PromptVersion меняется при любой правке инструкции и входит в ключ кэша.
const PromptVersion = "v3"

const systemPrompt = "你是社群运营分析助手。只根据给定的群聊消息提取事实，不要编造内容，严格输出 JSON。"

const instruction = `分析下面的社群群聊消息（JSON 数组，每条含 id、author、time、type、body、quotes），按以下规则提取：
1. questions：成员提出的问题。字段 asker、question、asked_at；若后续消息解决了问题，resolved=true 并填写 answerer、answer、answered_at，否则 resolved=false。
2. good_news：好消息（出单、收入、首单、签约、涨粉等）。字段 author、content、category（milestone/revenue/growth/other），可选 amount（数字）、currency（CNY/USD）、revenue_level、tags、posted_at。
3. koc：结构化的成员事迹（例如"模型:"、"核心事迹:"）。字段 author、content、model、core_deed、member_name、niche、result、link、tags、posted_at，缺失字段写 null。
4. stars：表现突出的学员。字段 author、content、achievement、revenue_level、posted_at。
5. tags：消息标签。字段 message_id（输入中的 id）、dimension（niche/stage/intent/activity/sentiment/risk 之一）、value。
时间字段格式统一为 "YYYY-MM-DD HH:MM:SS"，使用输入中的时间。
questions、good_news、koc 三个数组必须存在，没有内容时返回空数组。
只返回 JSON 对象：{"questions": [], "good_news": [], "koc": [], "stars": [], "tags": []}

消息：
%s`
